package models

import (
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// SourceRef names one candidate source without resolving it. A candidate list
// is a slice of refs; resolution into a full descriptor happens lazily when
// the sequencer reaches the candidate.
type SourceRef struct {
	Type    string `json:"type" yaml:"type"`
	ID      string `json:"id" yaml:"id"`
	Variant string `json:"variant,omitempty" yaml:"variant,omitempty"`
}

// Key returns the stream key the ref maps to.
func (r SourceRef) Key() StreamKey {
	return NewStreamKey(r.Type, r.ID, r.Variant)
}

// String implements fmt.Stringer.
func (r SourceRef) String() string {
	if r.Variant == "" {
		return r.Type + "/" + r.ID
	}
	return r.Type + "/" + r.ID + "/" + r.Variant
}

// Validate reports whether the ref names a source.
func (r SourceRef) Validate() error {
	if strings.TrimSpace(r.Type) == "" || strings.TrimSpace(r.ID) == "" {
		return errors.New("source type and id are required")
	}
	for _, p := range [][2]string{{"type", r.Type}, {"id", r.ID}, {"variant", r.Variant}} {
		if err := validKeyPart(p[0], p[1]); err != nil {
			return err
		}
	}
	return r.Key().Validate()
}

// SourceDescriptor carries everything the supervisor needs to run one source.
// Command is an opaque argv template; placeholders are expanded by the
// supervisor.
type SourceDescriptor struct {
	Type      string   `json:"type" yaml:"type"`
	ID        string   `json:"id" yaml:"id"`
	Variant   string   `json:"variant,omitempty" yaml:"variant,omitempty"`
	Title     string   `json:"title,omitempty" yaml:"title,omitempty"`
	Format    string   `json:"format,omitempty" yaml:"format,omitempty"`
	Command   []string `json:"command" yaml:"command"`
	OutputDir string   `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
}

// Ref returns the ref that resolves to this descriptor.
func (d SourceDescriptor) Ref() SourceRef {
	return SourceRef{Type: d.Type, ID: d.ID, Variant: d.Variant}
}

// Key returns the stream key for the descriptor.
func (d SourceDescriptor) Key() StreamKey {
	return d.Ref().Key()
}

// Binary returns the executable base name the command template launches.
func (d SourceDescriptor) Binary() string {
	if len(d.Command) == 0 {
		return ""
	}
	return filepath.Base(strings.TrimSpace(d.Command[0]))
}

// Validate reports missing linkage that makes a descriptor unusable.
func (d SourceDescriptor) Validate() error {
	if strings.TrimSpace(d.Type) == "" || strings.TrimSpace(d.ID) == "" {
		return errors.New("source type and id are required")
	}
	if len(d.Command) == 0 || strings.TrimSpace(d.Command[0]) == "" {
		return fmt.Errorf("source %s/%s: command template is required", d.Type, d.ID)
	}
	return d.Ref().Validate()
}

// Fingerprint hashes the command template and output location so a record
// can be compared with the descriptor that would start it today.
func (d SourceDescriptor) Fingerprint() string {
	h, _ := blake2b.New256(nil)
	for _, arg := range d.Command {
		h.Write([]byte(arg))
		h.Write([]byte{0})
	}
	h.Write([]byte(d.OutputDir))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:12])
}

// Chain threads an originating request through the monitor and sequencer. The
// candidate list never changes after creation; Index is the cursor of the
// candidate currently backing the stream.
type Chain struct {
	RequestID  string      `json:"request_id"`
	Candidates []SourceRef `json:"candidates"`
	Index      int         `json:"index"`
}

// Current returns the candidate at the cursor.
func (c Chain) Current() (SourceRef, bool) {
	if c.Index < 0 || c.Index >= len(c.Candidates) {
		return SourceRef{}, false
	}
	return c.Candidates[c.Index], true
}

// At returns a copy of the chain with the cursor moved to idx.
func (c Chain) At(idx int) Chain {
	out := Chain{RequestID: c.RequestID, Index: idx}
	out.Candidates = append([]SourceRef(nil), c.Candidates...)
	return out
}
