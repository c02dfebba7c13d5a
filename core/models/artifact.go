package models

import "time"

// Artifact is a versioned, checksummed bundle of an event's executable
// content. At most one artifact exists per (EventID, EventVersion) and
// at most one is active per event.
type Artifact struct {
	ID           string    `json:"id"`
	EventID      string    `json:"eventId"`
	EventVersion int       `json:"eventVersion"`
	Path         string    `json:"path"`
	SizeBytes    int64     `json:"sizeBytes"`
	Checksum     string    `json:"checksum"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
}
