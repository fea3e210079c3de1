package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// StreamKey identifies one logical upstream feed. It is derived from the
// source type and id (optionally a variant) and is stable for the lifetime of
// the stream.
type StreamKey string

// NewStreamKey derives the canonical key for a source. Each part keeps its
// case and has the part separator, the store's ':' and glob characters
// percent-escaped, so distinct sources never share a key and a key is always
// a single safe path element.
func NewStreamKey(sourceType, sourceID, variant string) StreamKey {
	parts := []string{EscapeKeyPart(sourceType), EscapeKeyPart(sourceID)}
	if variant != "" {
		parts = append(parts, EscapeKeyPart(variant))
	}
	return StreamKey(strings.Join(parts, "_"))
}

// EscapeKeyPart percent-escapes the bytes that carry meaning in stream keys
// and the store layout.
func EscapeKeyPart(part string) string {
	var b strings.Builder
	b.Grow(len(part))
	for i := 0; i < len(part); i++ {
		c := part[i]
		if reservedKeyByte(c) {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func reservedKeyByte(c byte) bool {
	if c <= ' ' || c == 0x7f {
		return true
	}
	switch c {
	case '%', '_', ':', '/', '\\', '*', '?', '[', ']':
		return true
	}
	return false
}

// validKeyPart rejects parts whose Unicode form is not NFC; canonically
// equivalent spellings would otherwise name the same source under two keys.
func validKeyPart(name, part string) error {
	if !norm.NFC.IsNormalString(part) {
		return fmt.Errorf("source %s %q is not NFC-normalized", name, part)
	}
	return nil
}

// String implements fmt.Stringer.
func (k StreamKey) String() string {
	return string(k)
}

// Validate reports whether the key can be used in the store key layout.
func (k StreamKey) Validate() error {
	if strings.TrimSpace(string(k)) == "" {
		return errors.New("stream key is required")
	}
	if strings.ContainsAny(string(k), ": \t\n") {
		return fmt.Errorf("stream key %q contains reserved characters", string(k))
	}
	return nil
}

// Status tracks the lifecycle of a StreamRecord.
type Status string

const (
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
)

// Valid reports whether the status is one of the known lifecycle values.
func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusActive, StatusError, StatusStopped:
		return true
	default:
		return false
	}
}

// StreamRecord is the canonical directory entry for one active stream. At
// most one record exists per key; it is created by acquisition and removed by
// an explicit stop or the janitor.
type StreamRecord struct {
	StreamKey      StreamKey `json:"stream_key"`
	Status         Status    `json:"status"`
	Type           string    `json:"type"`
	SourceID       string    `json:"source_id"`
	Title          string    `json:"title,omitempty"`
	Format         string    `json:"format,omitempty"`
	PID            int       `json:"pid,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	LastActivity   time.Time `json:"last_activity"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	OutputDir      string    `json:"output_dir,omitempty"`
	Binary         string    `json:"binary,omitempty"`
	Fingerprint    string    `json:"fingerprint,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	CandidateIndex int       `json:"candidate_index"`
	MonitorToken   string    `json:"monitor_token,omitempty"`
}

// Validate checks the invariants every persisted record must satisfy.
func (r StreamRecord) Validate() error {
	if err := r.StreamKey.Validate(); err != nil {
		return err
	}
	if !r.Status.Valid() {
		return fmt.Errorf("stream %s: invalid status %q", r.StreamKey, r.Status)
	}
	if r.PID < 0 {
		return fmt.Errorf("stream %s: negative pid", r.StreamKey)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("stream %s: created_at is required", r.StreamKey)
	}
	return nil
}

// Idle returns how long the stream has gone without writing a segment.
func (r StreamRecord) Idle(now time.Time) time.Duration {
	last := r.LastActivity
	if last.IsZero() {
		last = r.CreatedAt
	}
	return now.Sub(last)
}

// Age returns the time elapsed since the record was created.
func (r StreamRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// EncodeRecord validates and serialises a record for the shared store.
func EncodeRecord(r StreamRecord) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// DecodeRecord parses and validates a record read from the shared store.
func DecodeRecord(data []byte) (StreamRecord, error) {
	var r StreamRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return StreamRecord{}, fmt.Errorf("decode stream record: %w", err)
	}
	if err := r.Validate(); err != nil {
		return StreamRecord{}, fmt.Errorf("decode stream record: %w", err)
	}
	return r, nil
}

// ClientLease is a viewer's claim of interest in a stream. Leases expire on
// their own when a client stops refreshing them.
type ClientLease struct {
	StreamKey   StreamKey `json:"stream_key"`
	ClientID    string    `json:"client_id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// EncodeLease validates and serialises a lease.
func EncodeLease(l ClientLease) ([]byte, error) {
	if err := l.StreamKey.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(l.ClientID) == "" {
		return nil, errors.New("client id is required")
	}
	return json.Marshal(l)
}

// DecodeLease parses a lease read from the shared store.
func DecodeLease(data []byte) (ClientLease, error) {
	var l ClientLease
	if err := json.Unmarshal(data, &l); err != nil {
		return ClientLease{}, fmt.Errorf("decode client lease: %w", err)
	}
	return l, nil
}

// Segment is one sequence-numbered chunk of encoder output.
type Segment struct {
	StreamKey  StreamKey `json:"stream_key"`
	SequenceNo int64     `json:"sequence_no"`
	Payload    []byte    `json:"payload,omitempty"`
	WrittenAt  time.Time `json:"written_at"`
}

// FailoverRedirect points consumers of a failed stream at its replacement.
type FailoverRedirect struct {
	StreamKey StreamKey     `json:"stream_key"`
	Target    StreamKey     `json:"target_stream_key"`
	TTL       time.Duration `json:"ttl"`
}
