package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Strategy is one persisted version of an extraction procedure for a
// (site, task) key.
type Strategy struct {
	Site            string
	Task            string
	Version         int
	Source          string
	Body            string
	SuccessCount    int
	FailureCount    int
	CreatedAt       time.Time
	LastValidatedAt time.Time // zero until the first successful run
	Stale           bool
}

// Outcome is one recorded run of a strategy. Version 0 denotes the
// built-in procedure, which has no strategies row.
type Outcome struct {
	ID        string
	Site      string
	Task      string
	Version   int
	Tier      string
	Success   bool
	Detail    string
	CreatedAt time.Time
}

type Theater struct {
	Chain  string  `yaml:"chain" json:"chain"`
	ID     string  `yaml:"id" json:"id"`
	Name   string  `yaml:"name" json:"name"`
	Region string  `yaml:"region" json:"region,omitempty"`
	Lat    float64 `yaml:"lat" json:"lat,omitempty"`
	Lng    float64 `yaml:"lng" json:"lng,omitempty"`
}
