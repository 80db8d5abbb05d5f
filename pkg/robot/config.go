package robot

import (
	"fmt"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
)

const (
	DefaultBaudRate = 1_000_000
	DefaultTimeout  = 100 * time.Millisecond
)

// ArmConfig locates one arm and its calibration.
type ArmConfig struct {
	Port            string
	CalibrationPath string
	// BaudRate defaults to DefaultBaudRate.
	BaudRate int
	// Timeout bounds a single bus transaction.
	Timeout time.Duration
}

func (c ArmConfig) busConfig() feetech.BusConfig {
	if c.BaudRate <= 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return feetech.BusConfig{
		Port:     c.Port,
		BaudRate: c.BaudRate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  c.Timeout,
	}
}

// OpenArm loads the calibration and opens the servo bus.
func OpenArm(cfg ArmConfig) (*Arm, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("arm port is required")
	}
	if cfg.CalibrationPath == "" {
		return nil, fmt.Errorf("arm on %s has no calibration file", cfg.Port)
	}
	cal, err := LoadCalibration(cfg.CalibrationPath)
	if err != nil {
		return nil, err
	}
	return NewArm(cfg, cal)
}
