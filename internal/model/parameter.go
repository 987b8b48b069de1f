package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrValidation marks any decode or parameter error caused by a bad
// payload, as opposed to a programming error. Wrapped by every failure in
// this package so callers can answer 4xx on errors.Is.
var ErrValidation = errors.New("validation failed")

func validationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Parameter declares one input of a model. Parse checks a submitted value
// against the declaration and returns its normalized form.
type Parameter interface {
	Name() string
	Parse(value interface{}) (interface{}, error)
}

// StringParameter accepts any scalar and stores it as a string.
type StringParameter struct {
	name        string
	Description string
	Units       string
}

// NewStringParameter declares a free-text parameter.
func NewStringParameter(name, description, units string) *StringParameter {
	return &StringParameter{name: name, Description: description, Units: units}
}

// Name implements Parameter.
func (p *StringParameter) Name() string { return p.name }

// Parse implements Parameter.
func (p *StringParameter) Parse(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", v), nil
	default:
		return nil, validationErrorf("parameter %q: expected a scalar, got %T", p.name, value)
	}
}

// FloatParameter accepts a number, optionally bounded.
type FloatParameter struct {
	name        string
	Description string
	Units       string
	Min, Max    *float64
}

// NewFloatParameter declares a float parameter. Nil bounds are unchecked.
func NewFloatParameter(name, description, units string, min, max *float64) *FloatParameter {
	return &FloatParameter{name: name, Description: description, Units: units, Min: min, Max: max}
}

// Name implements Parameter.
func (p *FloatParameter) Name() string { return p.name }

// Parse implements Parameter.
func (p *FloatParameter) Parse(value interface{}) (interface{}, error) {
	f, err := toFloat(value)
	if err != nil {
		return nil, validationErrorf("parameter %q: %v", p.name, err)
	}
	if p.Min != nil && f < *p.Min {
		return nil, validationErrorf("parameter %q: %v below minimum %v", p.name, f, *p.Min)
	}
	if p.Max != nil && f > *p.Max {
		return nil, validationErrorf("parameter %q: %v above maximum %v", p.name, f, *p.Max)
	}
	return f, nil
}

// IntegerParameter accepts a whole number, optionally bounded.
type IntegerParameter struct {
	name        string
	Description string
	Units       string
	Min, Max    *int64
}

// NewIntegerParameter declares an integer parameter. Nil bounds are unchecked.
func NewIntegerParameter(name, description, units string, min, max *int64) *IntegerParameter {
	return &IntegerParameter{name: name, Description: description, Units: units, Min: min, Max: max}
}

// Name implements Parameter.
func (p *IntegerParameter) Name() string { return p.name }

// Parse implements Parameter.
func (p *IntegerParameter) Parse(value interface{}) (interface{}, error) {
	f, err := toFloat(value)
	if err != nil {
		return nil, validationErrorf("parameter %q: %v", p.name, err)
	}
	if f != math.Trunc(f) {
		return nil, validationErrorf("parameter %q: %v is not an integer", p.name, f)
	}
	n := int64(f)
	if p.Min != nil && n < *p.Min {
		return nil, validationErrorf("parameter %q: %d below minimum %d", p.name, n, *p.Min)
	}
	if p.Max != nil && n > *p.Max {
		return nil, validationErrorf("parameter %q: %d above maximum %d", p.name, n, *p.Max)
	}
	return n, nil
}

// RangeParameter accepts an interval, either as the string "start-end" or
// as a two-element numeric array, normalized to []float64{start, end}.
type RangeParameter struct {
	name        string
	Description string
	Units       string
	Start, End  float64
	Step        float64
}

// NewRangeParameter declares a range parameter over [start, end] with the
// given step.
func NewRangeParameter(name, description, units string, start, end, step float64) *RangeParameter {
	return &RangeParameter{name: name, Description: description, Units: units, Start: start, End: end, Step: step}
}

// Name implements Parameter.
func (p *RangeParameter) Name() string { return p.name }

// Parse implements Parameter.
func (p *RangeParameter) Parse(value interface{}) (interface{}, error) {
	var lo, hi float64
	switch v := value.(type) {
	case string:
		parts := strings.SplitN(v, "-", 2)
		if len(parts) != 2 {
			return nil, validationErrorf("parameter %q: expected \"start-end\", got %q", p.name, v)
		}
		var err error
		if lo, err = toFloat(strings.TrimSpace(parts[0])); err != nil {
			return nil, validationErrorf("parameter %q: %v", p.name, err)
		}
		if hi, err = toFloat(strings.TrimSpace(parts[1])); err != nil {
			return nil, validationErrorf("parameter %q: %v", p.name, err)
		}
	case []interface{}:
		if len(v) != 2 {
			return nil, validationErrorf("parameter %q: expected two endpoints, got %d", p.name, len(v))
		}
		var err error
		if lo, err = toFloat(v[0]); err != nil {
			return nil, validationErrorf("parameter %q: %v", p.name, err)
		}
		if hi, err = toFloat(v[1]); err != nil {
			return nil, validationErrorf("parameter %q: %v", p.name, err)
		}
	case []float64:
		if len(v) != 2 {
			return nil, validationErrorf("parameter %q: expected two endpoints, got %d", p.name, len(v))
		}
		lo, hi = v[0], v[1]
	default:
		return nil, validationErrorf("parameter %q: expected a range, got %T", p.name, value)
	}

	if lo > hi {
		return nil, validationErrorf("parameter %q: range start %v after end %v", p.name, lo, hi)
	}
	if lo < p.Start || hi > p.End {
		return nil, validationErrorf("parameter %q: %v-%v outside declared range %v-%v",
			p.name, lo, hi, p.Start, p.End)
	}
	return []float64{lo, hi}, nil
}

func toFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", value)
	}
}
