package scheduler

import (
	"encoding/json"

	"github.com/fairyhunter13/roost/internal/domain"
)

// Broadcaster pushes scheduler events to subscribers (the WebSocket hub in
// production). Implementations must not block; slow consumers are the hub's
// problem.
type Broadcaster interface {
	JobUpdate(jobID string, status domain.JobStatus, result json.RawMessage)
	QueueStatus(status, message string)
	ProfileUpdateStatus(jobID string, status domain.JobStatus, errMsg string)
}

// NopBroadcaster discards all events; used in tests and when no hub is wired.
type NopBroadcaster struct{}

func (NopBroadcaster) JobUpdate(string, domain.JobStatus, json.RawMessage)  {}
func (NopBroadcaster) QueueStatus(string, string)                           {}
func (NopBroadcaster) ProfileUpdateStatus(string, domain.JobStatus, string) {}
