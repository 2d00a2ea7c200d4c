// Package envelope defines the result contract shared across pulsus packages.
// Every capability invocation, validation stage, and routing decision speaks
// in envelopes so callers never branch on provider-specific shapes. The
// package sits at the bottom of the import graph and must stay free of
// dependencies on other pulsus packages.
package envelope

import (
	"fmt"
	"time"
)

// Status classifies the outcome carried by an envelope.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusBlocked Status = "blocked"
	StatusCached  Status = "cached"
	StatusPartial Status = "partial"
)

// ParseStatus maps a wire string to a Status. Unknown strings are an error;
// deserialization paths convert that error into a failure envelope rather
// than propagating it.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusSuccess, StatusFailure, StatusBlocked, StatusCached, StatusPartial:
		return Status(s), nil
	}
	return StatusFailure, fmt.Errorf("unknown envelope status %q", s)
}

func (s Status) String() string { return string(s) }

// Metadata carries the bookkeeping stamped on every envelope.
type Metadata struct {
	TimestampUTC string `json:"timestamp_utc"`
	LatencyMS    int64  `json:"latency_ms"`
}

// Envelope is the uniform result record. Invariant: Success is true exactly
// when Error is empty.
type Envelope struct {
	Success  bool           `json:"success"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Status   Status         `json:"status"`
	Context  map[string]any `json:"context,omitempty"`
	Trace    []string       `json:"trace,omitempty"`
	Metadata Metadata       `json:"metadata"`
}

func stamp() Metadata {
	return Metadata{TimestampUTC: time.Now().UTC().Format(time.RFC3339Nano)}
}

// Ok builds a success envelope around data.
func Ok(data map[string]any) *Envelope {
	return &Envelope{Success: true, Data: data, Status: StatusSuccess, Metadata: stamp()}
}

// CachedResult builds a success envelope whose data came from a cache tier.
func CachedResult(data map[string]any) *Envelope {
	return &Envelope{Success: true, Data: data, Status: StatusCached, Metadata: stamp()}
}

// Fail builds a failure envelope carrying msg.
func Fail(msg string) *Envelope {
	return &Envelope{Success: false, Error: msg, Status: StatusFailure, Metadata: stamp()}
}

// Failf is Fail with formatting.
func Failf(format string, args ...any) *Envelope {
	return Fail(fmt.Sprintf(format, args...))
}

// Blocked builds a blocked envelope: the operation was refused by policy or
// validation, not attempted and failed.
func Blocked(reason string) *Envelope {
	return &Envelope{Success: false, Error: reason, Status: StatusBlocked, Metadata: stamp()}
}

// Partial builds an envelope for outcomes where some facets succeeded, such
// as discovery returning zero candidates after a healthy scan.
func Partial(data map[string]any, msg string) *Envelope {
	return &Envelope{Success: false, Data: data, Error: msg, Status: StatusPartial, Metadata: stamp()}
}

// AppendTrace records pipeline hops in order.
func (e *Envelope) AppendTrace(entries ...string) *Envelope {
	e.Trace = append(e.Trace, entries...)
	return e
}

// WithContext attaches a caller-scoped context map.
func (e *Envelope) WithContext(ctx map[string]any) *Envelope {
	e.Context = ctx
	return e
}

// WithLatency stamps the measured latency in milliseconds.
func (e *Envelope) WithLatency(ms int64) *Envelope {
	e.Metadata.LatencyMS = ms
	return e
}

// Text returns data["text"] when present. Chain modules pipe this field
// between steps.
func (e *Envelope) Text() (string, bool) {
	if e.Data == nil {
		return "", false
	}
	s, ok := e.Data["text"].(string)
	return s, ok
}

// Normalize enforces the success/error invariant after deserialization or
// hand assembly. A success envelope carrying an error is demoted to failure;
// a failed envelope with no message gets a placeholder so callers always
// have something to log.
func (e *Envelope) Normalize() {
	if e.Success && e.Error != "" {
		e.Success = false
		e.Status = StatusFailure
	}
	if !e.Success && e.Error == "" {
		e.Error = "unspecified failure"
	}
	if e.Status == "" {
		if e.Success {
			e.Status = StatusSuccess
		} else {
			e.Status = StatusFailure
		}
	}
}

// AsMap renders the envelope as the map shape Handle implementations return.
func (e *Envelope) AsMap() map[string]any {
	m := map[string]any{
		"success": e.Success,
		"status":  string(e.Status),
		"metadata": map[string]any{
			"timestamp_utc": e.Metadata.TimestampUTC,
			"latency_ms":    e.Metadata.LatencyMS,
		},
	}
	if e.Data != nil {
		m["data"] = e.Data
	}
	if e.Error != "" {
		m["error"] = e.Error
	}
	if e.Context != nil {
		m["context"] = e.Context
	}
	if len(e.Trace) > 0 {
		trace := make([]any, len(e.Trace))
		for i, t := range e.Trace {
			trace[i] = t
		}
		m["trace"] = trace
	}
	return m
}

// FromMap parses an envelope-shaped map as produced by Handle
// implementations. Malformed shapes never panic: unknown status strings and
// type mismatches degrade to a failure envelope describing the defect.
func FromMap(m map[string]any) *Envelope {
	if m == nil {
		return Fail("nil envelope map")
	}
	env := &Envelope{Metadata: stamp()}
	if v, ok := m["success"].(bool); ok {
		env.Success = v
	}
	if v, ok := m["data"].(map[string]any); ok {
		env.Data = v
	}
	switch v := m["error"].(type) {
	case string:
		env.Error = v
	case nil:
	default:
		return Failf("envelope error field has type %T, want string", v)
	}
	if raw, present := m["status"]; present {
		s, ok := raw.(string)
		if !ok {
			return Failf("envelope status field has type %T, want string", raw)
		}
		status, err := ParseStatus(s)
		if err != nil {
			return Fail(err.Error())
		}
		env.Status = status
	}
	if v, ok := m["context"].(map[string]any); ok {
		env.Context = v
	}
	if v, ok := m["trace"].([]any); ok {
		for _, item := range v {
			if s, ok := item.(string); ok {
				env.Trace = append(env.Trace, s)
			}
		}
	} else if v, ok := m["trace"].([]string); ok {
		env.Trace = append(env.Trace, v...)
	}
	if meta, ok := m["metadata"].(map[string]any); ok {
		if ts, ok := meta["timestamp_utc"].(string); ok {
			env.Metadata.TimestampUTC = ts
		}
		switch lat := meta["latency_ms"].(type) {
		case int64:
			env.Metadata.LatencyMS = lat
		case int:
			env.Metadata.LatencyMS = int64(lat)
		case float64:
			env.Metadata.LatencyMS = int64(lat)
		}
	}
	env.Normalize()
	return env
}
