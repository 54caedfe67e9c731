// Package model contains the struct definitions shared across packages.
package model

import "time"

// Worker is a tracked field promoter. The ID is opaque and immutable once the
// worker is created; deleting a worker cascades to all of their evidence.
type Worker struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Branch    string    `json:"branch"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DayStatus classifies a worker's attendance for a single calendar date.
type DayStatus string

const (
	DayStatusNone      DayStatus = "none"
	DayStatusCheckedIn DayStatus = "checkedIn"
	DayStatusComplete  DayStatus = "complete"
)
