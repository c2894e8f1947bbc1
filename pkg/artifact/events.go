package artifact

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event type constants follow the pattern: taskmill.<type>.v<version>.
const (
	TypeEnqueued  = "taskmill.enqueued.v1"
	TypeClaimed   = "taskmill.claimed.v1"
	TypePreflight = "taskmill.preflight.v1"
	TypePins      = "taskmill.pins.v1"
	TypeSubmit    = "taskmill.submit.v1"
	TypeVerdict   = "taskmill.verdict.v1"
	TypeError     = "taskmill.error.v1"
)

// Event is the envelope for every line of events.jsonl. Each line is a
// self-contained JSON object that can be parsed independently.
type Event struct {
	Type   string          `json:"type"`
	TS     time.Time       `json:"ts"`
	TaskID string          `json:"task_id"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// EventLog is the single writer for one task's events.jsonl. All
// appends serialize through its mutex; the file is opened append-only
// so a crash can at worst lose the final line, never corrupt earlier
// ones.
type EventLog struct {
	mu   sync.Mutex
	path string
}

// EventLog returns the append-only log for a task.
func (s *Store) EventLog(taskID string) (*EventLog, error) {
	path := s.Path(taskID, NameEvents)
	if err := s.ensureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &EventLog{path: path}, nil
}

// Append writes one event. The payload is marshaled into the Data
// field; a nil payload writes an envelope with no data.
func (l *EventLog) Append(eventType, taskID string, payload any) error {
	ev := Event{Type: eventType, TS: time.Now().UTC(), TaskID: taskID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		ev.Data = data
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return f.Sync()
}

// ReadEvents parses every line of a task's events.jsonl.
func (s *Store) ReadEvents(taskID string) ([]Event, error) {
	f, err := os.Open(s.Path(taskID, NameEvents))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s for task %s", ErrMissing, NameEvents, taskID)
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("parse event line: %w", err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	return events, nil
}
