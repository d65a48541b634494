// Package logging configures the process-wide zerolog logger with an
// asynchronous writer.
package logging

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level and output format.
type Config struct {
	// Level is one of trace, debug, info, warn, error, fatal.
	Level string `yaml:"level" env:"NIMBUS_LOG_LEVEL"`
	// JSONFormat selects machine-readable output; false renders a console
	// writer for local development.
	JSONFormat bool `yaml:"json_format" env:"NIMBUS_JSON_LOGS"`
}

// asyncWriter decouples log production from sink I/O: lines go into a
// bounded channel drained by a single goroutine. A full channel drops the
// line and counts it.
type asyncWriter struct {
	ch      chan []byte
	out     io.Writer
	dropped atomic.Uint64
	done    chan struct{}
	once    sync.Once
}

const asyncBufferDepth = 8192

func newAsyncWriter(out io.Writer) *asyncWriter {
	w := &asyncWriter{
		ch:   make(chan []byte, asyncBufferDepth),
		out:  out,
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *asyncWriter) run() {
	defer close(w.done)
	for line := range w.ch {
		_, _ = w.out.Write(line)
	}
}

func (w *asyncWriter) Write(p []byte) (int, error) {
	line := make([]byte, len(p))
	copy(line, p)
	select {
	case w.ch <- line:
	default:
		w.dropped.Add(1)
	}
	return len(p), nil
}

// Close stops the writer after draining queued lines.
func (w *asyncWriter) Close() {
	w.once.Do(func() { close(w.ch) })
	select {
	case <-w.done:
	case <-time.After(2 * time.Second):
	}
}

var (
	initOnce sync.Once
	root     zerolog.Logger
	writer   *asyncWriter
)

// Init configures the process-wide logger. The first call wins; later calls
// are no-ops, matching the singleton contract.
func Init(cfg Config) zerolog.Logger {
	initOnce.Do(func() {
		level, err := zerolog.ParseLevel(cfg.Level)
		if err != nil || cfg.Level == "" {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)

		var sink io.Writer = os.Stdout
		if !cfg.JSONFormat {
			sink = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		}
		writer = newAsyncWriter(sink)

		root = zerolog.New(writer).
			With().
			Timestamp().
			Str("service", "nimbus").
			Logger()
	})
	return root
}

// L returns the process logger. Init must have been called; otherwise a
// default info-level JSON logger is installed.
func L() zerolog.Logger {
	Init(Config{Level: "info", JSONFormat: true})
	return root
}

// DroppedLines reports how many log lines were dropped by the async writer.
func DroppedLines() uint64 {
	if writer == nil {
		return 0
	}
	return writer.dropped.Load()
}

// Flush drains the async writer. Called during shutdown.
func Flush() {
	if writer != nil {
		writer.Close()
	}
}
