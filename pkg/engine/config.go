package engine

import (
	"time"
)

// Config bounds what a run may request and tunes failure handling.
type Config struct {
	MaxWorkers       int           `json:"max_workers" yaml:"max_workers"`
	MaxEPS           float64       `json:"max_eps" yaml:"max_eps"`
	AbortThreshold   int           `json:"abort_threshold" yaml:"abort_threshold"` // consecutive failed delivery units
	CancelGrace      time.Duration `json:"cancel_grace" yaml:"cancel_grace"`
	QueueDepth       int           `json:"queue_depth" yaml:"queue_depth"`
	ProgressCapacity int           `json:"progress_capacity" yaml:"progress_capacity"`
	ProgressLinger   time.Duration `json:"progress_linger" yaml:"progress_linger"`
	ProgressEvery    int           `json:"progress_every" yaml:"progress_every"` // events between summary lines
	Retention        time.Duration `json:"retention" yaml:"retention"`           // how long finished runs stay queryable
}

func DefaultConfig() Config {
	return Config{
		MaxWorkers:       64,
		MaxEPS:           10000,
		AbortThreshold:   10,
		CancelGrace:      5 * time.Second,
		QueueDepth:       256,
		ProgressCapacity: DefaultProgressCapacity,
		ProgressLinger:   DefaultProgressLinger,
		ProgressEvery:    100,
		Retention:        time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.MaxEPS <= 0 {
		c.MaxEPS = d.MaxEPS
	}
	if c.AbortThreshold <= 0 {
		c.AbortThreshold = d.AbortThreshold
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = d.CancelGrace
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = d.QueueDepth
	}
	if c.ProgressCapacity <= 0 {
		c.ProgressCapacity = d.ProgressCapacity
	}
	if c.ProgressLinger <= 0 {
		c.ProgressLinger = d.ProgressLinger
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = d.ProgressEvery
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	return c
}

// RunConfig is one run request.
type RunConfig struct {
	ScenarioID      string     `json:"scenario_id"`
	DestinationID   string     `json:"destination_id"`
	Workers         int        `json:"workers"`
	EPS             float64    `json:"eps"`
	TagPhase        bool       `json:"tag_phase"`
	TagTrace        bool       `json:"tag_trace"`
	TraceID         string     `json:"trace_id,omitempty"`
	GenerateNoise   bool       `json:"generate_noise"`
	NoiseCount      int        `json:"noise_count,omitempty"`
	TimeCompression float64    `json:"time_compression,omitempty"`
	Continuous      bool       `json:"continuous,omitempty"`
	Seed            int64      `json:"seed,omitempty"`
	VirtualStart    *time.Time `json:"virtual_start,omitempty"`
}
