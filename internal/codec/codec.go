// Package codec classifies raw pulse sequences into protocol encodings and
// regenerates replayable pulse trains from them. Decode is total: anything
// that is not a recognizable NEC or Sony frame becomes a generic encoding.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/jon-fox/raspberry-mcp/internal/model"
)

// NEC frame timing (microseconds). Spaces carry the bits.
const (
	necHeaderMarkUS  = 9000
	necHeaderSpaceUS = 4500
	necBitMarkUS     = 560
	necZeroSpaceUS   = 560
	necOneSpaceUS    = 1690
	necBitCount      = 32
	necTolerance     = 0.25
)

// Sony SIRC timing (microseconds). A long leading mark, no space header;
// spaces carry the bits against a fixed mark clock.
const (
	sonyHeaderMarkUS = 2400
	sonyBitMarkUS    = 600
	sonyZeroSpaceUS  = 600
	sonyOneSpaceUS   = 1200
	sonyTolerance    = 0.30
)

// ToleranceBucketUS is the rounding granularity for generic normalization.
// Wide enough to absorb receiver jitter, narrow enough to keep distinct
// button presses distinct.
const ToleranceBucketUS = 50

var ErrEmptySignal = errors.New("cannot encode empty generic signal")

// Decode classifies a raw pulse sequence. Matchers run in order and the
// first match wins; the generic arm never fails.
func Decode(raw model.PulseSequence) model.DecodedSignal {
	if nec, ok := decodeNEC(raw); ok {
		return model.DecodedSignal{Protocol: model.ProtocolNEC, NEC: nec}
	}
	if sony, ok := decodeSony(raw); ok {
		return model.DecodedSignal{Protocol: model.ProtocolSony, Sony: sony}
	}
	return model.DecodedSignal{Protocol: model.ProtocolGeneric, Generic: decodeGeneric(raw)}
}

// Encode regenerates a standards-conformant pulse train for NEC and Sony
// (from the decoded fields, not the original capture) and replays stored
// pairs verbatim for generic signals. The trailing space of the final pulse
// is zero; the transmitter owns inter-repeat gaps.
func Encode(sig model.DecodedSignal) (model.PulseSequence, error) {
	switch sig.Protocol {
	case model.ProtocolNEC:
		if sig.NEC == nil {
			return nil, fmt.Errorf("nec signal missing payload")
		}
		return encodeNEC(*sig.NEC), nil
	case model.ProtocolSony:
		if sig.Sony == nil {
			return nil, fmt.Errorf("sony signal missing payload")
		}
		return encodeSony(*sig.Sony), nil
	case model.ProtocolGeneric:
		if sig.Generic == nil || len(sig.Generic.Pulses) == 0 {
			return nil, ErrEmptySignal
		}
		out := make(model.PulseSequence, len(sig.Generic.Pulses))
		copy(out, sig.Generic.Pulses)
		return out, nil
	}
	return nil, fmt.Errorf("unknown protocol %q", sig.Protocol)
}

func within(value, target uint32, tolerance float64) bool {
	lo := float64(target) * (1 - tolerance)
	hi := float64(target) * (1 + tolerance)
	v := float64(value)
	return v >= lo && v <= hi
}

// decodeNEC expects header pair, 32 bit pairs, trailing mark: 34 pulses.
// The trailing pulse's space is the inter-frame gap and is not inspected.
func decodeNEC(raw model.PulseSequence) (*model.NECSignal, bool) {
	if len(raw) != necBitCount+2 {
		return nil, false
	}
	if !within(raw[0].MarkUS, necHeaderMarkUS, necTolerance) ||
		!within(raw[0].SpaceUS, necHeaderSpaceUS, necTolerance) {
		return nil, false
	}
	if !within(raw[necBitCount+1].MarkUS, necBitMarkUS, necTolerance) {
		return nil, false
	}
	var bits uint32
	for i := 0; i < necBitCount; i++ {
		p := raw[i+1]
		if !within(p.MarkUS, necBitMarkUS, necTolerance) {
			return nil, false
		}
		switch {
		case within(p.SpaceUS, necZeroSpaceUS, necTolerance):
			// zero bit
		case within(p.SpaceUS, necOneSpaceUS, necTolerance):
			bits |= 1 << uint(i)
		default:
			return nil, false
		}
	}
	addr := uint8(bits & 0xff)
	addrInv := uint8((bits >> 8) & 0xff)
	cmd := uint8((bits >> 16) & 0xff)
	cmdInv := uint8((bits >> 24) & 0xff)
	// A complement mismatch is accepted leniently; RawBits keeps the truth.
	ok := addrInv == ^addr && cmdInv == ^cmd
	return &model.NECSignal{
		Address:      addr,
		Command:      cmd,
		RawBits:      bits,
		ComplementOK: ok,
	}, true
}

func encodeNEC(sig model.NECSignal) model.PulseSequence {
	bits := sig.RawBits
	if bits == 0 || sig.ComplementOK {
		bits = uint32(sig.Address) |
			uint32(^sig.Address)<<8 |
			uint32(sig.Command)<<16 |
			uint32(^sig.Command)<<24
	}
	out := make(model.PulseSequence, 0, necBitCount+2)
	out = append(out, model.Pulse{MarkUS: necHeaderMarkUS, SpaceUS: necHeaderSpaceUS})
	for i := 0; i < necBitCount; i++ {
		space := uint32(necZeroSpaceUS)
		if bits&(1<<uint(i)) != 0 {
			space = necOneSpaceUS
		}
		out = append(out, model.Pulse{MarkUS: necBitMarkUS, SpaceUS: space})
	}
	out = append(out, model.Pulse{MarkUS: necBitMarkUS})
	return out
}

// decodeSony accepts 12- and 15-bit SIRC frames: header-mark pulse plus bit
// pulses plus trailing mark, so 13 or 16 pulses. Bits ride the spaces,
// command first (7 bits LSB-first), then device.
func decodeSony(raw model.PulseSequence) (*model.SonySignal, bool) {
	var bitCount int
	switch len(raw) {
	case 13:
		bitCount = 12
	case 16:
		bitCount = 15
	default:
		return nil, false
	}
	if !within(raw[0].MarkUS, sonyHeaderMarkUS, sonyTolerance) {
		return nil, false
	}
	if !within(raw[bitCount].MarkUS, sonyBitMarkUS, sonyTolerance) {
		return nil, false
	}
	var bits uint16
	for i := 0; i < bitCount; i++ {
		p := raw[i]
		if i > 0 && !within(p.MarkUS, sonyBitMarkUS, sonyTolerance) {
			return nil, false
		}
		switch {
		case within(p.SpaceUS, sonyZeroSpaceUS, sonyTolerance):
			// zero bit
		case within(p.SpaceUS, sonyOneSpaceUS, sonyTolerance):
			bits |= 1 << uint(i)
		default:
			return nil, false
		}
	}
	return &model.SonySignal{
		Command: bits & 0x7f,
		Device:  uint8(bits >> 7),
		Bits:    bitCount,
		RawBits: bits,
	}, true
}

func encodeSony(sig model.SonySignal) model.PulseSequence {
	bitCount := sig.Bits
	if bitCount != 12 && bitCount != 15 {
		bitCount = 12
	}
	bits := uint16(sig.Command&0x7f) | uint16(sig.Device)<<7
	out := make(model.PulseSequence, 0, bitCount+1)
	for i := 0; i < bitCount; i++ {
		mark := uint32(sonyBitMarkUS)
		if i == 0 {
			mark = sonyHeaderMarkUS
		}
		space := uint32(sonyZeroSpaceUS)
		if bits&(1<<uint(i)) != 0 {
			space = sonyOneSpaceUS
		}
		out = append(out, model.Pulse{MarkUS: mark, SpaceUS: space})
	}
	out = append(out, model.Pulse{MarkUS: sonyBitMarkUS})
	return out
}

// decodeGeneric rounds every pair to the tolerance bucket and hashes the
// result. Total: any sequence, however odd, becomes replayable.
func decodeGeneric(raw model.PulseSequence) *model.GenericSignal {
	normalized := make(model.PulseSequence, len(raw))
	for i, p := range raw {
		normalized[i] = model.Pulse{
			MarkUS:  roundToBucket(p.MarkUS),
			SpaceUS: roundToBucket(p.SpaceUS),
		}
	}
	return &model.GenericSignal{
		PulseHash: hashPulses(normalized),
		Pulses:    normalized,
	}
}

func roundToBucket(v uint32) uint32 {
	return (v + ToleranceBucketUS/2) / ToleranceBucketUS * ToleranceBucketUS
}

func hashPulses(pulses model.PulseSequence) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, p := range pulses {
		binary.LittleEndian.PutUint32(buf[0:4], p.MarkUS)
		binary.LittleEndian.PutUint32(buf[4:8], p.SpaceUS)
		h.Write(buf[:])
	}
	return h.Sum64()
}
