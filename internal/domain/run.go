package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type RunStatus string

const (
	RunQueued     RunStatus = "Queued"
	RunNotStarted RunStatus = "NotStarted"
	RunStarting   RunStatus = "Starting"
	RunStarted    RunStatus = "Started"
	RunSucceeded  RunStatus = "Succeeded"
	RunFailed     RunStatus = "Failed"
	RunCanceled   RunStatus = "Canceled"
)

var runTransitions = map[RunStatus][]RunStatus{
	RunQueued:     {RunNotStarted, RunStarting, RunCanceled},
	RunNotStarted: {RunStarting, RunCanceled},
	RunStarting:   {RunStarted, RunFailed, RunCanceled},
	RunStarted:    {RunSucceeded, RunFailed, RunCanceled},
	RunSucceeded:  {},
	RunFailed:     {},
	RunCanceled:   {},
}

func (s RunStatus) Valid() bool {
	_, ok := runTransitions[s]
	return ok
}

// InflightRunStatuses are the statuses that block another dispatch of the same partition.
func InflightRunStatuses() []RunStatus {
	return []RunStatus{RunQueued, RunNotStarted, RunStarting, RunStarted}
}

func IsTerminal(s RunStatus) bool {
	return s == RunSucceeded || s == RunFailed || s == RunCanceled
}

func CanTransition(from, to RunStatus) bool {
	for _, candidate := range runTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

func ValidateTransition(from, to RunStatus) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("invalid run status transition %q -> %q", from, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("run status transition %q -> %q not allowed", from, to)
	}
	return nil
}

// DispatchRequest asks the run registry to execute Job for one partition. RequestKey is
// unique per observed source change.
type DispatchRequest struct {
	Job        string
	RequestKey string
	Partition  string
}

func (r DispatchRequest) Validate() error {
	if strings.TrimSpace(r.Job) == "" {
		return errors.New("job is required")
	}
	if strings.TrimSpace(r.RequestKey) == "" {
		return errors.New("request key is required")
	}
	if strings.TrimSpace(r.Partition) == "" {
		return errors.New("partition is required")
	}
	return nil
}

// Run is one execution of a job against a partition.
type Run struct {
	ID         string
	Job        string
	Partition  string
	RequestKey string
	Status     RunStatus
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
