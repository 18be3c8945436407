package service

import (
	"time"

	"timelines/internal/models"
)

// LogFilter narrows event log listings.
type LogFilter struct {
	From  time.Time
	To    time.Time
	Type  string
	After int64
	Limit int
}

// RunFilter narrows run listings.
type RunFilter struct {
	EntityID string
	Status   models.RunStatus
	Limit    int
}
