package robot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.bug.st/serial"
)

// soArmServos is the id range of an SO-101 arm.
const soArmServos = 6

// FoundArm is an SO-101 arm discovered on a serial port.
type FoundArm struct {
	Port   string
	Servos []feetech.FoundServo
}

// ListPorts returns candidate serial ports. Bluetooth ports are skipped.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	out := ports[:0]
	for _, p := range ports {
		if strings.Contains(p, "Bluetooth") {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// IsSOArm reports whether servos are exactly ids 1 to 6.
func IsSOArm(servos []feetech.FoundServo) bool {
	if len(servos) != soArmServos {
		return false
	}
	ids := make(map[int]bool, len(servos))
	for _, s := range servos {
		ids[s.ID] = true
	}
	for i := 1; i <= soArmServos; i++ {
		if !ids[i] {
			return false
		}
	}
	return true
}

// ProbeArm opens port and scans for an SO-101. The caller owns the returned
// bus.
func ProbeArm(ctx context.Context, port string) (*feetech.Bus, []feetech.FoundServo, error) {
	bus, err := feetech.NewBus(ArmConfig{Port: port}.busConfig())
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	servos, err := bus.Scan(ctx, 1, soArmServos)
	if err != nil {
		bus.Close()
		return nil, nil, err
	}
	if !IsSOArm(servos) {
		bus.Close()
		return nil, nil, errors.New("not an SO-101 arm (expected 6 servos with ids 1-6)")
	}
	return bus, servos, nil
}

// FindArms probes every candidate port.
func FindArms(ctx context.Context) ([]FoundArm, error) {
	ports, err := ListPorts()
	if err != nil {
		return nil, err
	}
	var arms []FoundArm
	for _, port := range ports {
		bus, servos, err := ProbeArm(ctx, port)
		if err != nil {
			continue
		}
		bus.Close()
		arms = append(arms, FoundArm{Port: port, Servos: servos})
	}
	return arms, nil
}

// Wiggle gently moves the shoulder pan of the arm on port back and forth so
// an operator can tell which physical arm it is. Torque is off afterwards.
func Wiggle(ctx context.Context, arm FoundArm) error {
	bus, err := feetech.NewBus(ArmConfig{Port: arm.Port}.busConfig())
	if err != nil {
		return err
	}
	defer bus.Close()

	var servo *feetech.Servo
	for _, s := range arm.Servos {
		if s.ID == 1 {
			servo = feetech.NewServo(bus, s.ID, s.Model)
			break
		}
	}
	if servo == nil {
		return fmt.Errorf("no shoulder pan servo on %s", arm.Port)
	}

	origin, err := servo.Position(ctx)
	if err != nil {
		return fmt.Errorf("read position: %w", err)
	}
	if err := servo.Enable(ctx); err != nil {
		return fmt.Errorf("enable servo: %w", err)
	}
	defer servo.Disable(context.WithoutCancel(ctx))

	const amount, moveMs = 30, 500
	for _, target := range []int{origin + amount, origin - amount, origin} {
		servo.SetPositionWithTime(ctx, target, moveMs)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After((moveMs + 100) * time.Millisecond):
		}
	}
	return nil
}
