// Package audit is the append-only JSONL trail of every routing cycle. It
// owns three streams under one root: the aggregated daily log, a per-run
// directory with step events and the materialized artifact, and per-phase
// validation files kept for post-mortem of failed candidates. Audit writes
// never fail a route: a write error is a stderr warning and a bumped
// counter, and the cycle continues.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one JSONL record. Phase names follow the router state machine
// (intent_parsed, policy_select, validation.lint, decision, ...).
type Event struct {
	TimestampUTC string         `json:"timestamp_utc"`
	RunID        string         `json:"run_id,omitempty"`
	Phase        string         `json:"phase"`
	RouteID      string         `json:"route_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Logger multiplexes events onto the three streams. Serialization is
// per-file: the daily stream and each run stream carry their own mutex, so
// concurrent routing cycles only contend when they touch the same file.
type Logger struct {
	root string

	appMu   sync.Mutex
	appDate string
	appFile *os.File
	appBuf  *bufio.Writer

	runsMu sync.Mutex
	runs   map[string]*runStream

	dropped atomic.Int64
}

type runStream struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
}

// New creates the stream root and returns a ready logger.
func New(root string) (*Logger, error) {
	for _, sub := range []string{"app", "runs", "validation"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create audit root: %w", err)
		}
	}
	return &Logger{root: root, runs: make(map[string]*runStream)}, nil
}

// Root returns the directory the logger writes under.
func (l *Logger) Root() string { return l.root }

// Dropped reports how many events failed to persist since construction.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

func (l *Logger) warn(err error) {
	l.dropped.Add(1)
	fmt.Fprintf(os.Stderr, "pulsus: audit write dropped: %v\n", err)
}

func stamp(e *Event) {
	if e.TimestampUTC == "" {
		e.TimestampUTC = time.Now().UTC().Format(time.RFC3339Nano)
	}
}

func encode(e Event) ([]byte, error) {
	line, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal audit event: %w", err)
	}
	return append(line, '\n'), nil
}

// Emit appends the event to the daily stream and, when the event names a
// run, to that run's step log. Events of one run land in steps.jsonl in call
// order.
func (l *Logger) Emit(e Event) {
	stamp(&e)
	line, err := encode(e)
	if err != nil {
		l.warn(err)
		return
	}
	if e.RunID != "" {
		if err := l.writeRun(e.RunID, line); err != nil {
			l.warn(err)
		}
	}
	if err := l.writeApp(line); err != nil {
		l.warn(err)
	}
}

func (l *Logger) writeApp(line []byte) error {
	l.appMu.Lock()
	defer l.appMu.Unlock()

	today := time.Now().UTC().Format("2006-01-02")
	if l.appFile == nil || l.appDate != today {
		if l.appFile != nil {
			l.appBuf.Flush()
			l.appFile.Close()
		}
		dir := filepath.Join(l.root, "app", today)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(dir, "app.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		l.appFile = f
		l.appBuf = bufio.NewWriter(f)
		l.appDate = today
	}
	_, err := l.appBuf.Write(line)
	return err
}

func (l *Logger) runStreamFor(runID string) (*runStream, error) {
	l.runsMu.Lock()
	defer l.runsMu.Unlock()
	if rs, ok := l.runs[runID]; ok {
		return rs, nil
	}
	dir := filepath.Join(l.root, "runs", runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "steps.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	rs := &runStream{file: f, buf: bufio.NewWriter(f)}
	l.runs[runID] = rs
	return rs, nil
}

func (l *Logger) writeRun(runID string, line []byte) error {
	rs, err := l.runStreamFor(runID)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	_, err = rs.buf.Write(line)
	return err
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func sanitize(s string) string {
	s = unsafeNameChars.ReplaceAllString(s, "_")
	if s == "" {
		return "unnamed"
	}
	return s
}

// Validation writes the full diagnostics of one validation stage to its own
// dated file, one per (date, phase, module). These files exist so a failed
// candidate can be dissected without replaying the run.
func (l *Logger) Validation(phase, module string, e Event) {
	stamp(&e)
	line, err := encode(e)
	if err != nil {
		l.warn(err)
		return
	}
	dir := filepath.Join(l.root, "validation", time.Now().UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		l.warn(err)
		return
	}
	name := fmt.Sprintf("%s_%s.jsonl", sanitize(phase), sanitize(module))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		l.warn(err)
		return
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		l.warn(err)
	}
}

// SaveArtifact copies the materialized artifact into the run directory so
// the per-run stream is self-contained.
func (l *Logger) SaveArtifact(runID, ext string, src []byte) error {
	dir := filepath.Join(l.root, "runs", sanitize(runID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	name := "artifact." + strings.TrimPrefix(sanitize(ext), ".")
	if err := os.WriteFile(filepath.Join(dir, name), src, 0o644); err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return nil
}

// Flush forces buffered events of the run and the daily stream to disk.
// The router calls this once per routing cycle.
func (l *Logger) Flush(runID string) {
	l.appMu.Lock()
	if l.appBuf != nil {
		if err := l.appBuf.Flush(); err != nil {
			l.warn(err)
		} else if err := l.appFile.Sync(); err != nil {
			l.warn(err)
		}
	}
	l.appMu.Unlock()

	l.runsMu.Lock()
	rs := l.runs[runID]
	l.runsMu.Unlock()
	if rs == nil {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if err := rs.buf.Flush(); err != nil {
		l.warn(err)
		return
	}
	if err := rs.file.Sync(); err != nil {
		l.warn(err)
	}
}

// EndRun flushes and closes the run's stream.
func (l *Logger) EndRun(runID string) {
	l.Flush(runID)
	l.runsMu.Lock()
	rs := l.runs[runID]
	delete(l.runs, runID)
	l.runsMu.Unlock()
	if rs == nil {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.file.Close()
}

// Close flushes and closes every open stream.
func (l *Logger) Close() {
	l.appMu.Lock()
	if l.appFile != nil {
		l.appBuf.Flush()
		l.appFile.Close()
		l.appFile = nil
	}
	l.appMu.Unlock()

	l.runsMu.Lock()
	defer l.runsMu.Unlock()
	for id, rs := range l.runs {
		rs.mu.Lock()
		rs.buf.Flush()
		rs.file.Close()
		rs.mu.Unlock()
		delete(l.runs, id)
	}
}

// Tail reads back up to n most recent events from a stream. Stream is
// either "app" (today's daily file) or "runs/<run_id>". A nil filter keeps
// everything.
func (l *Logger) Tail(stream string, n int, filter func(Event) bool) ([]Event, error) {
	var path string
	switch {
	case stream == "app":
		path = filepath.Join(l.root, "app", time.Now().UTC().Format("2006-01-02"), "app.jsonl")
	case strings.HasPrefix(stream, "runs/"):
		runID := sanitize(strings.TrimPrefix(stream, "runs/"))
		path = filepath.Join(l.root, "runs", runID, "steps.jsonl")
	default:
		return nil, fmt.Errorf("unknown audit stream %q", stream)
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit stream: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if filter != nil && !filter(e) {
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit stream: %w", err)
	}
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}
