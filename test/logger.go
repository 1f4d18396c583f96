package test

import (
	"io"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger that discards everything unless TEST_LOGS is
// set. TEST_LOGS takes a logrus level name or 1, 2 and 3 for info, debug and
// trace.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := strings.TrimSpace(os.Getenv("TEST_LOGS"))
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	switch v {
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		lvl, err := logrus.ParseLevel(v)
		if err != nil {
			lvl = logrus.InfoLevel
		}
		l.SetLevel(lvl)
	}

	return l
}

// LogWriter collects every formatted log line.
type LogWriter struct {
	mu   sync.Mutex
	logs []string
}

func (w *LogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.logs = append(w.logs, string(p))
	w.mu.Unlock()
	return len(p), nil
}

func (w *LogWriter) Logs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.logs)
}

func (w *LogWriter) Reset() {
	w.mu.Lock()
	w.logs = w.logs[:0]
	w.mu.Unlock()
}

// NewCaptureLogger returns an info level logger writing plain text lines
// without timestamps or colors into the returned LogWriter.
func NewCaptureLogger() (*logrus.Logger, *LogWriter) {
	w := &LogWriter{logs: []string{}}
	l := logrus.New()
	l.Out = w
	l.Formatter = &logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	}
	return l, w
}
