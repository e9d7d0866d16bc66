package ports

import (
	"context"

	"scanhub/internal/domain/scan"
)

// JobEvent describes one observed job state transition.
type JobEvent struct {
	JobUUID   string       `json:"jobUUID"`
	ProjectID string       `json:"projectId"`
	State     scan.JobState `json:"state"`
	At        string       `json:"at"`
}

// EventPublisher pushes job events to downstream consumers. Publishing is
// best effort; a failed publish never fails the state transition itself.
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, event JobEvent) error
	Close()
}
