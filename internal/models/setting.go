package models

import (
	"fmt"
	"strconv"
)

// SettingType is the declared type of a runtime-tunable setting.
type SettingType string

const (
	SettingInt    SettingType = "int"
	SettingFloat  SettingType = "float"
	SettingBool   SettingType = "bool"
	SettingString SettingType = "str"
)

// Setting is a runtime-tunable parameter stored in the user_settings table.
// Min/Max bound numeric settings; nil means unbounded on that side.
type Setting struct {
	Name        string      `json:"name"`
	Value       string      `json:"value"`
	Type        SettingType `json:"type"`
	Description string      `json:"description"`
	Category    string      `json:"category"`
	Min         *float64    `json:"min,omitempty"`
	Max         *float64    `json:"max,omitempty"`
}

// IntValue parses the setting as an int, clamped to its bounds.
func (s *Setting) IntValue() (int, error) {
	if s.Type != SettingInt {
		return 0, fmt.Errorf("setting %s is %s, not int", s.Name, s.Type)
	}
	v, err := strconv.Atoi(s.Value)
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", s.Name, err)
	}
	return int(s.clamp(float64(v))), nil
}

// FloatValue parses the setting as a float, clamped to its bounds.
func (s *Setting) FloatValue() (float64, error) {
	if s.Type != SettingFloat {
		return 0, fmt.Errorf("setting %s is %s, not float", s.Name, s.Type)
	}
	v, err := strconv.ParseFloat(s.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", s.Name, err)
	}
	return s.clamp(v), nil
}

// BoolValue parses the setting as a bool.
func (s *Setting) BoolValue() (bool, error) {
	if s.Type != SettingBool {
		return false, fmt.Errorf("setting %s is %s, not bool", s.Name, s.Type)
	}
	v, err := strconv.ParseBool(s.Value)
	if err != nil {
		return false, fmt.Errorf("setting %s: %w", s.Name, err)
	}
	return v, nil
}

// StringValue returns the raw value for string settings.
func (s *Setting) StringValue() (string, error) {
	if s.Type != SettingString {
		return "", fmt.Errorf("setting %s is %s, not str", s.Name, s.Type)
	}
	return s.Value, nil
}

// ValidateValue rejects writes whose value does not parse as the declared
// type or falls outside the declared bounds.
func (s *Setting) ValidateValue(value string) error {
	switch s.Type {
	case SettingInt:
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("setting %s requires an int: %w", s.Name, err)
		}
		return s.checkBounds(float64(v))
	case SettingFloat:
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("setting %s requires a float: %w", s.Name, err)
		}
		return s.checkBounds(v)
	case SettingBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("setting %s requires a bool: %w", s.Name, err)
		}
		return nil
	case SettingString:
		return nil
	default:
		return fmt.Errorf("setting %s has unknown type %q", s.Name, s.Type)
	}
}

func (s *Setting) clamp(v float64) float64 {
	if s.Min != nil && v < *s.Min {
		return *s.Min
	}
	if s.Max != nil && v > *s.Max {
		return *s.Max
	}
	return v
}

func (s *Setting) checkBounds(v float64) error {
	if s.Min != nil && v < *s.Min {
		return fmt.Errorf("setting %s value %g below minimum %g", s.Name, v, *s.Min)
	}
	if s.Max != nil && v > *s.Max {
		return fmt.Errorf("setting %s value %g above maximum %g", s.Name, v, *s.Max)
	}
	return nil
}
