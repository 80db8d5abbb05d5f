package robot

import (
	"context"
	"fmt"

	"github.com/hipsterbrown/feetech-servo/feetech"
)

// Arm is a calibrated SO-101 arm on a Feetech bus. It implements Driver.
type Arm struct {
	port        string
	bus         *feetech.Bus
	group       *feetech.ServoGroup
	calibration Calibration
}

var _ Driver = (*Arm)(nil)

// NewArm opens the bus on cfg.Port and groups the calibrated servos.
func NewArm(cfg ArmConfig, cal Calibration) (*Arm, error) {
	bus, err := feetech.NewBus(cfg.busConfig())
	if err != nil {
		return nil, fmt.Errorf("open bus %s: %w", cfg.Port, err)
	}
	return &Arm{
		port:        cfg.Port,
		bus:         bus,
		group:       feetech.NewServoGroupByIDs(bus, cal.MotorIDs()...),
		calibration: cal,
	}, nil
}

// Port returns the serial port the arm is on.
func (a *Arm) Port() string { return a.port }

func (a *Arm) Close() error {
	return a.bus.Close()
}

// Enable turns on torque for every servo.
func (a *Arm) Enable(ctx context.Context) error {
	return a.group.EnableAll(ctx)
}

// Disable turns torque off, leaving the arm limp.
func (a *Arm) Disable(ctx context.Context) error {
	return a.group.DisableAll(ctx)
}

// ReadPositions sync-reads every servo and normalizes the result.
// Servos without calibration are skipped.
func (a *Arm) ReadPositions(ctx context.Context) (Positions, error) {
	raw, err := a.group.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read positions: %w", err)
	}
	positions := make(Positions, len(raw))
	for id, value := range raw {
		name, cal, ok := a.calibration.ByID(id)
		if !ok {
			continue
		}
		positions[name] = cal.Normalize(value)
	}
	return positions, nil
}

// WritePositions sync-writes normalized targets. Motors without calibration
// are ignored.
func (a *Arm) WritePositions(ctx context.Context, positions Positions) error {
	raw := make(feetech.PositionMap, len(positions))
	for name, norm := range positions {
		cal, ok := a.calibration[name]
		if !ok {
			continue
		}
		raw[cal.ID] = cal.Denormalize(norm)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := a.group.SetPositions(ctx, raw); err != nil {
		return fmt.Errorf("write positions: %w", err)
	}
	return nil
}
