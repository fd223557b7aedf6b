package models

import (
	"net/http"
	"time"
)

// OutcomeStatus is the terminal state of one endpoint fetch within a tick.
type OutcomeStatus int

const (
	StatusSuccess OutcomeStatus = iota + 1
	StatusFailed
	StatusCancelled
)

func (s OutcomeStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// FetchOutcome is produced exactly once per endpoint per tick.
type FetchOutcome struct {
	Endpoint   Endpoint
	Status     OutcomeStatus
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
	Duration   time.Duration
}

// TickStats summarises one tick. Success+Failed+Cancelled equals Total once
// the tick's barrier has released.
type TickStats struct {
	Tick      uint64        `json:"tick"`
	StartedAt time.Time     `json:"started_at"`
	Total     int           `json:"total"`
	Success   int           `json:"success"`
	Failed    int           `json:"failed"`
	Cancelled int           `json:"cancelled"`
	Published int           `json:"published"`
	Skipped   int           `json:"skipped"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Resolved reports whether every endpoint reached a terminal state.
func (s TickStats) Resolved() bool {
	return s.Success+s.Failed+s.Cancelled == s.Total
}
