// Package trace records the canonical, deterministic account of a batch run.
package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
)

// ExecutionTrace is the canonical record of what happened to every image
// in a run.
//
// It captures logical decisions only: no timestamps, durations, error
// strings or worker identities. The trace is observational and never
// affects execution.
type ExecutionTrace struct {
	RunHash string
	Events  []TraceEvent
}

// TraceEventKind discriminates TraceEvent. The string values are part of
// the canonical bytes; do not rename.
type TraceEventKind string

const (
	EventImageSegmented TraceEventKind = "ImageSegmented"
	EventImageCached    TraceEventKind = "ImageCached"
	EventImageFailed    TraceEventKind = "ImageFailed"
	EventImageSkipped   TraceEventKind = "ImageSkipped"
	EventImageFlagged   TraceEventKind = "ImageFlagged"
)

// Stable reason codes.
const (
	ReasonFailFast = "FailFast"
	ReasonCanceled = "Canceled"
	ReasonDecode   = "DecodeFailed"
	ReasonSegment  = "SegmentFailed"
	ReasonWrite    = "WriteFailed"
)

// TraceEvent is a single logical transition of one image.
type TraceEvent struct {
	Kind    TraceEventKind
	ImageID string

	// Reason is a stable reason code, or a QC flag reason.
	Reason string

	// Nuclei is the nucleus count. It is encoded for segmented, cached and
	// flagged images only.
	Nuclei int

	// Artifacts lists output paths relative to the output directory.
	Artifacts []string
}

func hasNuclei(k TraceEventKind) bool {
	switch k {
	case EventImageSegmented, EventImageCached, EventImageFlagged:
		return true
	default:
		return false
	}
}

// Validate checks basic invariants and returns a descriptive error.
func (t *ExecutionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.RunHash == "" {
		return errors.New("runHash is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.ImageID == "" {
			return fmt.Errorf("events[%d].imageId is required for kind %q", i, e.Kind)
		}
		if e.Nuclei < 0 {
			return fmt.Errorf("events[%d].nuclei is negative", i)
		}
		for j, a := range e.Artifacts {
			if a == "" {
				return fmt.Errorf("events[%d].artifacts[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize sorts artifacts and orders events by
// (imageId, kindOrder, reason, nuclei, artifacts). Empty artifact lists
// become nil.
func (t *ExecutionTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		if len(t.Events[i].Artifacts) == 0 {
			t.Events[i].Artifacts = nil
			continue
		}
		art := slices.Clone(t.Events[i].Artifacts)
		sort.Strings(art)
		t.Events[i].Artifacts = art
	}

	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.ImageID != b.ImageID {
			return a.ImageID < b.ImageID
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		if a.Nuclei != b.Nuclei {
			return a.Nuclei < b.Nuclei
		}
		return slices.Compare(a.Artifacts, b.Artifacts) < 0
	})
}

func kindOrder(k TraceEventKind) int {
	switch k {
	case EventImageCached:
		return 10
	case EventImageSegmented:
		return 20
	case EventImageFailed:
		return 30
	case EventImageSkipped:
		return 40
	case EventImageFlagged:
		return 50
	default:
		return 1000
	}
}

// CanonicalJSON returns the canonical JSON encoding of the trace without
// mutating the receiver.
func (t ExecutionTrace) CanonicalJSON() ([]byte, error) {
	c := ExecutionTrace{RunHash: t.RunHash, Events: slices.Clone(t.Events)}
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&c)
}

// Hash returns the sha256 hex of the canonical JSON bytes.
func (t ExecutionTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// MarshalJSON fixes field order. It does not sort.
func (t ExecutionTrace) MarshalJSON() ([]byte, error) {
	if t.RunHash == "" {
		return nil, errors.New("runHash is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"runHash":`)
	writeString(&buf, t.RunHash)
	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e TraceEvent) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	writeString(&buf, string(e.Kind))

	if e.ImageID != "" {
		buf.WriteString(`,"imageId":`)
		writeString(&buf, e.ImageID)
	}
	if e.Reason != "" {
		buf.WriteString(`,"reason":`)
		writeString(&buf, e.Reason)
	}
	if hasNuclei(e.Kind) {
		buf.WriteString(`,"nuclei":`)
		buf.WriteString(strconv.Itoa(e.Nuclei))
	}
	if len(e.Artifacts) > 0 {
		artifacts := slices.Clone(e.Artifacts)
		sort.Strings(artifacts)
		buf.WriteString(`,"artifacts":[`)
		for i, a := range artifacts {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(&buf, a)
		}
		buf.WriteByte(']')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}
