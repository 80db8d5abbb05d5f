package robot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// MotorCalibration holds calibration data for a single motor, in the layout
// written by the lerobot calibration tool.
type MotorCalibration struct {
	ID           int `json:"id"`
	DriveMode    int `json:"drive_mode"`
	HomingOffset int `json:"homing_offset"`
	RangeMin     int `json:"range_min"`
	RangeMax     int `json:"range_max"`
}

// Calibration holds calibration data for all motors, keyed by motor name.
type Calibration map[MotorName]MotorCalibration

// LoadCalibration reads a calibration file and validates it.
func LoadCalibration(path string) (Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration file: %w", err)
	}
	var cal Calibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return nil, fmt.Errorf("parse calibration %s: %w", path, err)
	}
	if err := cal.Validate(); err != nil {
		return nil, fmt.Errorf("calibration %s: %w", path, err)
	}
	return cal, nil
}

// Validate checks that the gripper is calibrated and that every range is
// non-empty with unique servo ids.
func (c Calibration) Validate() error {
	var errs []error
	if _, ok := c[Gripper]; !ok {
		errs = append(errs, errors.New("gripper is not calibrated"))
	}
	seen := make(map[int]MotorName, len(c))
	for _, name := range AllMotors() {
		mc, ok := c[name]
		if !ok {
			continue
		}
		if mc.RangeMax <= mc.RangeMin {
			errs = append(errs, fmt.Errorf("%s: range_max %d must exceed range_min %d", name, mc.RangeMax, mc.RangeMin))
		}
		if other, dup := seen[mc.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: servo id %d already used by %s", name, mc.ID, other))
		}
		seen[mc.ID] = name
	}
	return errors.Join(errs...)
}

// Normalize converts a raw servo position to [-100, 100].
func (c MotorCalibration) Normalize(raw int) float64 {
	rangeSize := float64(c.RangeMax - c.RangeMin)
	if rangeSize == 0 {
		return 0
	}
	return (float64(raw-c.RangeMin)/rangeSize)*200 - 100
}

// Denormalize converts a normalized value to a raw servo position. Values
// outside [-100, 100] are clamped so a bad goal cannot drive a joint past
// its calibrated range.
func (c MotorCalibration) Denormalize(norm float64) int {
	norm = max(-100, min(100, norm))
	rangeSize := float64(c.RangeMax - c.RangeMin)
	return int((norm+100)/200*rangeSize) + c.RangeMin
}

// MotorIDs returns the servo ids of the calibrated motors in AllMotors order.
func (c Calibration) MotorIDs() []int {
	ids := make([]int, 0, len(c))
	for _, name := range AllMotors() {
		if mc, ok := c[name]; ok {
			ids = append(ids, mc.ID)
		}
	}
	return ids
}

// ByID returns motor name and calibration for a given servo id.
func (c Calibration) ByID(id int) (MotorName, MotorCalibration, bool) {
	for name, mc := range c {
		if mc.ID == id {
			return name, mc, true
		}
	}
	return "", MotorCalibration{}, false
}

// SaveCalibration writes cal as indented JSON, creating parent directories.
func SaveCalibration(path string, cal Calibration) error {
	data, err := json.MarshalIndent(cal, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create calibration dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}
