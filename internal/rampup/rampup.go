// Package rampup provides the execution profiles deciding when the minions of a
// scenario start.
package rampup

import (
	"fmt"
	"time"
)

// Kind identifies the type of execution profile.
type Kind string

const (
	// KindRegular starts a fixed number of minions at a fixed period.
	KindRegular Kind = "regular"

	// KindAccelerating shortens the period between launches until a minimum.
	KindAccelerating Kind = "accelerating"

	// KindImmediate starts every minion at once.
	KindImmediate Kind = "immediate"

	// KindProgressiveVolume grows the number of minions per launch.
	KindProgressiveVolume Kind = "progressive-volume"

	// KindStage starts minions in stages, each with its own ramp-up.
	KindStage Kind = "stage"

	// KindTimeFrame spreads every minion evenly over a time frame.
	KindTimeFrame Kind = "time-frame"
)

// DefaultResolution is the minimal duration between two starting lines of a stage.
const DefaultResolution = 500 * time.Millisecond

// Config is the configuration of an execution profile.
type Config struct {
	Kind Kind `json:"kind" yaml:"kind"`

	// Regular, progressive volume and time frame.
	Period           Duration `json:"period,omitempty" yaml:"period,omitempty"`
	MinionsPerLaunch int      `json:"minionsPerLaunch,omitempty" yaml:"minionsPerLaunch,omitempty"`

	// Accelerating.
	StartPeriod Duration `json:"startPeriod,omitempty" yaml:"startPeriod,omitempty"`
	Accelerator float64  `json:"accelerator,omitempty" yaml:"accelerator,omitempty"`
	MinPeriod   Duration `json:"minPeriod,omitempty" yaml:"minPeriod,omitempty"`

	// Progressive volume.
	Multiplier          float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	MaxMinionsPerLaunch int     `json:"maxMinionsPerLaunch,omitempty" yaml:"maxMinionsPerLaunch,omitempty"`

	// Time frame.
	TimeFrame Duration `json:"timeFrame,omitempty" yaml:"timeFrame,omitempty"`

	// Stage.
	Stages []Stage `json:"stages,omitempty" yaml:"stages,omitempty"`
}

// Stage is one step of a staged profile.
type Stage struct {
	// MinionsCount is the number of minions started in the stage.
	MinionsCount int `json:"minionsCount" yaml:"minionsCount"`

	// RampUp is the duration over which the minions of the stage start.
	RampUp Duration `json:"rampUp" yaml:"rampUp"`

	// Total is the duration of the stage, ramp-up included.
	Total Duration `json:"total" yaml:"total"`

	// Resolution is the minimal duration between two starting lines.
	Resolution Duration `json:"resolution,omitempty" yaml:"resolution,omitempty"`
}

func (s Stage) resolution() time.Duration {
	return s.Resolution.GetDuration(DefaultResolution)
}

// ValidationError is returned when a profile configuration is invalid.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("execution profile %s: %s", e.Field, e.Message)
}

// Validate checks the configuration of the profile kind.
func (c *Config) Validate() error {
	switch c.Kind {
	case KindRegular:
		if c.Period <= 0 {
			return &ValidationError{Field: "period", Message: "must be positive"}
		}
		if c.MinionsPerLaunch <= 0 {
			return &ValidationError{Field: "minionsPerLaunch", Message: "must be positive"}
		}
	case KindAccelerating:
		if c.StartPeriod <= 0 {
			return &ValidationError{Field: "startPeriod", Message: "must be positive"}
		}
		if c.MinPeriod <= 0 || c.MinPeriod > c.StartPeriod {
			return &ValidationError{Field: "minPeriod", Message: "must be positive and not greater than startPeriod"}
		}
		if c.Accelerator <= 0 {
			return &ValidationError{Field: "accelerator", Message: "must be positive"}
		}
		if c.MinionsPerLaunch <= 0 {
			return &ValidationError{Field: "minionsPerLaunch", Message: "must be positive"}
		}
	case KindImmediate:
	case KindProgressiveVolume:
		if c.Period <= 0 {
			return &ValidationError{Field: "period", Message: "must be positive"}
		}
		if c.MinionsPerLaunch <= 0 {
			return &ValidationError{Field: "minionsPerLaunch", Message: "must be positive"}
		}
		if c.Multiplier <= 0 {
			return &ValidationError{Field: "multiplier", Message: "must be positive"}
		}
		if c.MaxMinionsPerLaunch < c.MinionsPerLaunch {
			return &ValidationError{Field: "maxMinionsPerLaunch", Message: "must not be lower than minionsPerLaunch"}
		}
	case KindStage:
		if len(c.Stages) == 0 {
			return &ValidationError{Field: "stages", Message: "at least one stage is required"}
		}
		for i, s := range c.Stages {
			field := fmt.Sprintf("stages[%d]", i)
			if s.MinionsCount <= 0 {
				return &ValidationError{Field: field + ".minionsCount", Message: "must be positive"}
			}
			if s.RampUp <= 0 {
				return &ValidationError{Field: field + ".rampUp", Message: "must be positive"}
			}
			if s.Total < s.RampUp {
				return &ValidationError{Field: field + ".total", Message: "must not be shorter than the ramp-up"}
			}
			if s.Resolution < 0 {
				return &ValidationError{Field: field + ".resolution", Message: "must not be negative"}
			}
		}
	case KindTimeFrame:
		if c.Period <= 0 {
			return &ValidationError{Field: "period", Message: "must be positive"}
		}
		if c.TimeFrame < c.Period {
			return &ValidationError{Field: "timeFrame", Message: "must not be shorter than the period"}
		}
	case "":
		return &ValidationError{Field: "kind", Message: "is required"}
	default:
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", c.Kind)}
	}
	return nil
}

// StartingLine is a batch of minions to start together, Offset after the
// previous line.
type StartingLine struct {
	Count  int
	Offset time.Duration
}

// Iterator yields the starting lines of a profile.
type Iterator interface {
	Next() (StartingLine, bool)
}

// Profile is an execution profile.
type Profile interface {
	Kind() Kind

	// Iterator returns the starting lines for totalMinions minions. The speed
	// factor divides the periods.
	Iterator(totalMinions int, speedFactor float64) Iterator
}

// NewProfile creates the execution profile described by the configuration.
func NewProfile(cfg Config) (Profile, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case KindRegular:
		return &regular{period: cfg.Period.Std(), perLaunch: cfg.MinionsPerLaunch}, nil
	case KindAccelerating:
		return &accelerating{
			startPeriod: cfg.StartPeriod.Std(),
			minPeriod:   cfg.MinPeriod.Std(),
			accelerator: cfg.Accelerator,
			perLaunch:   cfg.MinionsPerLaunch,
		}, nil
	case KindImmediate:
		return immediate{}, nil
	case KindProgressiveVolume:
		return &progressiveVolume{
			period:       cfg.Period.Std(),
			perLaunch:    cfg.MinionsPerLaunch,
			multiplier:   cfg.Multiplier,
			maxPerLaunch: cfg.MaxMinionsPerLaunch,
		}, nil
	case KindStage:
		return &staged{stages: append([]Stage(nil), cfg.Stages...)}, nil
	case KindTimeFrame:
		return &timeFrame{period: cfg.Period.Std(), frame: cfg.TimeFrame.Std()}, nil
	default:
		return nil, fmt.Errorf("unknown execution profile kind: %s", cfg.Kind)
	}
}

// Lines drains an iterator.
func Lines(it Iterator) []StartingLine {
	var lines []StartingLine
	for {
		line, ok := it.Next()
		if !ok {
			return lines
		}
		lines = append(lines, line)
	}
}

func scale(d time.Duration, speedFactor float64) time.Duration {
	if speedFactor <= 0 {
		speedFactor = 1
	}
	return time.Duration(float64(d) / speedFactor)
}
