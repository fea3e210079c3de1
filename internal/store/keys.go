package store

import (
	"fmt"
	"strconv"
	"strings"

	"streamshare/internal/models"
)

// Key prefixes form a stable contract with operator tooling.
const (
	RecordPrefix          = "shared_stream:"
	ClientPrefix          = "stream_clients:"
	BufferPrefix          = "stream_buffer:"
	RedirectPrefix        = "stream_failover_redirect:"
	PIDPrefix             = "hls:pid:"
	MonitorDisabledPrefix = "stream_monitor_disabled:"

	segmentIndexSuffix = ":segments"
	segmentKeyInfix    = ":segment_"
)

// RecordKey returns the key of the StreamRecord for k.
func RecordKey(k models.StreamKey) string {
	return RecordPrefix + string(k)
}

// RecordPattern matches every StreamRecord key.
func RecordPattern() string {
	return RecordPrefix + "*"
}

// StreamKeyFromRecordKey extracts the stream key from a record key.
func StreamKeyFromRecordKey(key string) (models.StreamKey, bool) {
	if !strings.HasPrefix(key, RecordPrefix) {
		return "", false
	}
	return models.StreamKey(strings.TrimPrefix(key, RecordPrefix)), true
}

// ClientKey returns the lease key for one viewer of k.
func ClientKey(k models.StreamKey, clientID string) string {
	return ClientPrefix + string(k) + ":" + clientID
}

// ClientPattern matches every lease of k.
func ClientPattern(k models.StreamKey) string {
	return ClientPrefix + EscapePattern(string(k)) + ":*"
}

// ClientID extracts the client id from a lease key of k.
func ClientID(k models.StreamKey, key string) string {
	return strings.TrimPrefix(key, ClientPrefix+string(k)+":")
}

// SegmentKey returns the payload key of segment n of k.
func SegmentKey(k models.StreamKey, n int64) string {
	return fmt.Sprintf("%s%s%s%d", BufferPrefix, k, segmentKeyInfix, n)
}

// SegmentPattern matches every segment payload of k.
func SegmentPattern(k models.StreamKey) string {
	return BufferPrefix + EscapePattern(string(k)) + segmentKeyInfix + "*"
}

// SegmentIndexKey returns the list key holding k's recent sequence numbers.
func SegmentIndexKey(k models.StreamKey) string {
	return BufferPrefix + string(k) + segmentIndexSuffix
}

// SegmentIndexPattern matches every segment index list.
func SegmentIndexPattern() string {
	return BufferPrefix + "*" + segmentIndexSuffix
}

// StreamKeyFromIndexKey extracts the stream key from a segment index key.
func StreamKeyFromIndexKey(key string) (models.StreamKey, bool) {
	if !strings.HasPrefix(key, BufferPrefix) || !strings.HasSuffix(key, segmentIndexSuffix) {
		return "", false
	}
	return models.StreamKey(strings.TrimSuffix(strings.TrimPrefix(key, BufferPrefix), segmentIndexSuffix)), true
}

// RedirectKey returns the failover redirect key of k.
func RedirectKey(k models.StreamKey) string {
	return RedirectPrefix + string(k)
}

// RedirectPattern matches every failover redirect.
func RedirectPattern() string {
	return RedirectPrefix + "*"
}

// PIDKey returns the key holding the subprocess pid of a source. Variants of
// a source share it.
func PIDKey(sourceType, sourceID string) string {
	return PIDPrefix + models.EscapeKeyPart(sourceType) + ":" + models.EscapeKeyPart(sourceID)
}

// PIDPattern matches every pid key.
func PIDPattern() string {
	return PIDPrefix + "*"
}

// MonitorDisabledKey returns the flag that ends k's health monitor chain.
func MonitorDisabledKey(k models.StreamKey) string {
	return MonitorDisabledPrefix + string(k)
}

// ParseSequence parses a sequence number stored in a segment index.
func ParseSequence(raw string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse segment sequence %q: %w", raw, err)
	}
	return n, nil
}
