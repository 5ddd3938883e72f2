package observability

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// Logger writes one JSON object per line. Fields are merged into the top
// level next to timestamp, level and message.
type Logger struct {
	mu   sync.Mutex
	base *log.Logger
	now  func() time.Time
}

func NewLogger() *Logger {
	return NewLoggerTo(os.Stdout)
}

func NewLoggerTo(w io.Writer) *Logger {
	return &Logger{
		base: log.New(w, "", 0),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.write("info", message, fields)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.write("warn", message, fields)
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.write("error", message, fields)
}

func (l *Logger) write(level, message string, fields map[string]any) {
	if l == nil {
		return
	}

	payload := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		payload[k] = v
	}
	payload["timestamp"] = l.now().Format(time.RFC3339Nano)
	payload["level"] = level
	payload["message"] = message

	encoded, err := json.Marshal(payload)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.base.Println(`{"level":"error","message":"failed to encode log"}`)
		return
	}
	l.base.Println(string(encoded))
}
