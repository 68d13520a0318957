package builds

import (
	"errors"
	"time"
)

type Status string

const (
	StatusRunning     Status = "running"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Build is one recorded build.
type Build struct {
	ID          string
	Status      Status
	Classes     []string
	LogLevel    string
	MaxWorkers  int
	Counts      Counts
	CreatedAt   time.Time
	CompletedAt *time.Time
	LastError   *string
}

// Counts tallies test outcomes.
type Counts struct {
	Tests   int `json:"tests"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// CreateRequest describes a build about to start.
type CreateRequest struct {
	ID         string // generated when empty
	Classes    []string
	LogLevel   string
	MaxWorkers int
}

var ErrBuildNotFound = errors.New("build not found")
