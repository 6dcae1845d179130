package api

import "time"

// HealthResponse reports daemon liveness plus the capture listener state so
// callers can tell an idle daemon from one actively recording.
type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
	ListenerState string    `json:"listener_state,omitempty"`
}
