package sink

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

type jsonlRecord struct {
	Time  time.Time         `json:"time"`
	Event string            `json:"event"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// JSONL writes one JSON document per event.
type JSONL struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	clock  func() time.Time
	logger *log.Logger
	errors uint64
}

// NewJSONL writes events to w.
func NewJSONL(w io.Writer, logger *log.Logger) *JSONL {
	if logger == nil {
		logger = log.New(os.Stdout, "jsonl-sink ", log.LstdFlags|log.Lmicroseconds)
	}
	return &JSONL{w: w, clock: time.Now, logger: logger}
}

// OpenJSONL appends events to the file at path.
func OpenJSONL(path string, logger *log.Logger) (*JSONL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) // #nosec G304 -- operator-controlled path.
	if err != nil {
		return nil, fmt.Errorf("open jsonl sink: %w", err)
	}
	s := NewJSONL(f, logger)
	s.closer = f
	return s, nil
}

// Log encodes and writes the event. Write failures are counted and logged.
func (j *JSONL) Log(name string, attrs map[string]string) {
	payload, err := json.Marshal(jsonlRecord{Time: j.clock().UTC(), Event: name, Attrs: attrs})
	if err != nil {
		j.fail(err)
		return
	}
	payload = append(payload, '\n')
	j.mu.Lock()
	_, err = j.w.Write(payload)
	j.mu.Unlock()
	if err != nil {
		j.fail(err)
	}
}

func (j *JSONL) fail(err error) {
	j.mu.Lock()
	j.errors++
	j.mu.Unlock()
	j.logger.Printf("write event: %v", err)
}

// Errors reports failed writes.
func (j *JSONL) Errors() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errors
}

// Close closes the underlying file when the sink owns it.
func (j *JSONL) Close() error {
	if j.closer == nil {
		return nil
	}
	return j.closer.Close()
}
