package model

import "time"

// EdgeLevel is the direction of a GPIO transition reported by the timer.
type EdgeLevel int

const (
	EdgeRising EdgeLevel = iota
	EdgeFalling
)

// EdgeEvent is a single hardware edge timestamp. Produced by a pulse timer
// backend, consumed only by the segmenter, never retained past segmentation.
type EdgeEvent struct {
	TimestampMicros uint64
	Level           EdgeLevel
}

// Pulse is one mark/space pair in microseconds.
type Pulse struct {
	MarkUS  uint32 `json:"mark_us"`
	SpaceUS uint32 `json:"space_us"`
}

// PulseSequence is an ordered run of mark/space pairs. A sequence needs at
// least one full pair to be considered a candidate signal; anything shorter
// is electrical noise and is dropped before decode.
type PulseSequence []Pulse

// TotalMicros sums every mark and space in the sequence.
func (ps PulseSequence) TotalMicros() uint64 {
	var total uint64
	for _, p := range ps {
		total += uint64(p.MarkUS) + uint64(p.SpaceUS)
	}
	return total
}

// Protocol tags the variant of a decoded signal.
type Protocol string

const (
	ProtocolNEC     Protocol = "nec"
	ProtocolSony    Protocol = "sony"
	ProtocolGeneric Protocol = "generic"
)

// NECSignal is a decoded NEC frame. ComplementOK is false when the
// address/command inverse-check bits did not match; the frame is still
// accepted and RawBits holds the full 32 bits as captured.
type NECSignal struct {
	Address      uint8  `json:"address"`
	Command      uint8  `json:"command"`
	RawBits      uint32 `json:"raw_bits"`
	ComplementOK bool   `json:"complement_ok"`
}

// SonySignal is a decoded Sony SIRC frame. Bits is the frame width (12 or 15).
type SonySignal struct {
	Command uint16 `json:"command"`
	Device  uint8  `json:"device"`
	Bits    int    `json:"bits"`
	RawBits uint16 `json:"raw_bits"`
}

// GenericSignal is the universal fallback: the capture normalized to
// tolerance buckets plus a stable hash over the normalized pairs. Always
// constructible, so every capture yields a replayable artifact.
type GenericSignal struct {
	PulseHash uint64        `json:"pulse_hash"`
	Pulses    PulseSequence `json:"pulses"`
}

// DecodedSignal is a tagged union over protocol variants. Exactly one of
// NEC/Sony/Generic is non-nil and matches Protocol.
type DecodedSignal struct {
	Protocol Protocol       `json:"protocol"`
	NEC      *NECSignal     `json:"nec,omitempty"`
	Sony     *SonySignal    `json:"sony,omitempty"`
	Generic  *GenericSignal `json:"generic,omitempty"`
}

// CapturedEvent is one finalized signal inside a listening session.
type CapturedEvent struct {
	ID         string
	Decoded    DecodedSignal
	CapturedAt time.Time
	RawPulses  PulseSequence
}

// ListenerState is the capture-session lifecycle state.
type ListenerState string

const (
	ListenerIdle      ListenerState = "idle"
	ListenerListening ListenerState = "listening"
)

// Operation binds a name to the decoded signal captured for it. Position is
// the zero-based capture order within the submission that created it.
type Operation struct {
	Name       string
	Signal     DecodedSignal
	Position   int
	CapturedAt time.Time
}

// Device is the unit of persistence in the registry.
type Device struct {
	DeviceID   string
	DeviceType string
	Operations []Operation
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OperationNames returns the bound operation names in position order.
func (d Device) OperationNames() []string {
	names := make([]string, 0, len(d.Operations))
	for _, op := range d.Operations {
		names = append(names, op.Name)
	}
	return names
}

// Error codes surfaced by the API contract.
const (
	ErrCodeCapture             = "E_CAPTURE"
	ErrCodeInsufficientSignals = "E_INSUFFICIENT_SIGNALS"
	ErrCodeUnknownDevice       = "E_UNKNOWN_DEVICE"
	ErrCodeUnknownOperation    = "E_UNKNOWN_OPERATION"
	ErrCodeTransmission        = "E_TRANSMISSION"
	ErrCodePersistence         = "E_PERSISTENCE"
	ErrCodeBadRequest          = "E_BAD_REQUEST"
)
