package api

import (
	"time"

	"github.com/jon-fox/raspberry-mcp/internal/model"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type ListenerStatusResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	State         string    `json:"state"`
	SessionID     string    `json:"session_id,omitempty"`
	EventCount    int       `json:"event_count"`
	StartedAt     *string   `json:"started_at,omitempty"`
}

type EventItem struct {
	EventID    string              `json:"event_id"`
	Signal     model.DecodedSignal `json:"signal"`
	CapturedAt string              `json:"captured_at"`
	PulseCount int                 `json:"pulse_count"`
}

type EventsEnvelope struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Since         *string     `json:"since,omitempty"`
	Events        []EventItem `json:"events"`
}

type GuidanceResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	DeviceType    string    `json:"device_type"`
	Required      []string  `json:"required"`
	Suggested     []string  `json:"suggested,omitempty"`
	ExampleOrder  []string  `json:"example_order,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	KnownTypes    []string  `json:"known_types"`
}

type SubmitMappingsRequest struct {
	DeviceID   string   `json:"device_id"`
	DeviceType string   `json:"device_type,omitempty"`
	Operations []string `json:"operations"`
	Since      string   `json:"since"`
}

type OperationItem struct {
	Name       string              `json:"name"`
	Signal     model.DecodedSignal `json:"signal"`
	Position   int                 `json:"position"`
	CapturedAt string              `json:"captured_at"`
}

type DeviceResponse struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	DeviceID      string          `json:"device_id"`
	DeviceType    string          `json:"device_type"`
	Operations    []OperationItem `json:"operations"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}

type DeviceItem struct {
	DeviceID   string   `json:"device_id"`
	DeviceType string   `json:"device_type"`
	Operations []string `json:"operations"`
	UpdatedAt  string   `json:"updated_at"`
}

type DevicesEnvelope struct {
	SchemaVersion string       `json:"schema_version"`
	GeneratedAt   time.Time    `json:"generated_at"`
	Devices       []DeviceItem `json:"devices"`
}

type OperationsEnvelope struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	DeviceID      string    `json:"device_id"`
	Operations    []string  `json:"operations"`
}

type SendRequest struct {
	Operation string  `json:"operation"`
	CarrierHz uint32  `json:"carrier_hz,omitempty"`
	DutyCycle float32 `json:"duty,omitempty"`
	Repeats   int     `json:"repeats,omitempty"`
}

type SendResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	DeviceID      string    `json:"device_id"`
	Operation     string    `json:"operation"`
	ResultCode    string    `json:"result_code"`
}

type TroubleshootRequest struct {
	Operation string `json:"operation"`
	Repeats   int    `json:"repeats,omitempty"`
}

type SweepResultItem struct {
	CarrierHz uint32  `json:"carrier_hz"`
	DutyCycle float32 `json:"duty"`
	Repeats   int     `json:"repeats"`
	Error     string  `json:"error,omitempty"`
}

type TroubleshootEnvelope struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	DeviceID      string            `json:"device_id"`
	Operation     string            `json:"operation"`
	Results       []SweepResultItem `json:"results"`
}

type WatchLine struct {
	SchemaVersion string     `json:"schema_version"`
	GeneratedAt   time.Time  `json:"generated_at"`
	StreamID      string     `json:"stream_id"`
	Sequence      int64      `json:"sequence"`
	Type          string     `json:"type"`
	Event         *EventItem `json:"event,omitempty"`
}
