// Package logtest captures slog records for assertions.
package logtest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
)

// Record is one decoded log line.
type Record struct {
	Level   string
	Message string
	Attrs   map[string]any
}

// Attr returns the attribute as a string, "" when absent.
func (r Record) Attr(key string) string {
	v, ok := r.Attrs[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// Recorder is a goroutine-safe sink for a JSON slog handler.
type Recorder struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// New returns a recorder and a debug-level logger writing to it.
func New() (*Recorder, *slog.Logger) {
	r := &Recorder{}
	return r, slog.New(slog.NewJSONHandler(r, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Write implements io.Writer.
func (r *Recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

// Records decodes everything logged so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	data := bytes.Clone(r.buf.Bytes())
	r.mu.Unlock()

	var out []Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var raw map[string]any
		if err := json.Unmarshal(sc.Bytes(), &raw); err != nil {
			continue
		}
		rec := Record{Attrs: map[string]any{}}
		for k, v := range raw {
			switch k {
			case slog.LevelKey:
				rec.Level, _ = v.(string)
			case slog.MessageKey:
				rec.Message, _ = v.(string)
			case slog.TimeKey:
			default:
				rec.Attrs[k] = v
			}
		}
		out = append(out, rec)
	}
	return out
}

// Find returns the records with the given level and message.
func (r *Recorder) Find(level, msg string) []Record {
	var out []Record
	for _, rec := range r.Records() {
		if rec.Level == level && rec.Message == msg {
			out = append(out, rec)
		}
	}
	return out
}

// Level returns the records at the given level.
func (r *Recorder) Level(level string) []Record {
	var out []Record
	for _, rec := range r.Records() {
		if rec.Level == level {
			out = append(out, rec)
		}
	}
	return out
}
