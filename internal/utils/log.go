package utils

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger. It starts buffered (writing to an
// in-memory backlog) until SetFile is called for the first
// time, at which point the backlog is flushed through the real sink. This
// lets early startup code (flag/config parsing, before we know where
// log_file points) log freely without losing those lines.
var Log zerolog.Logger

type bufferedWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	target  io.Writer
	flushed bool
}

func (w *bufferedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.target != nil {
		return w.target.Write(p)
	}
	return w.buf.Write(p)
}

func (w *bufferedWriter) setTarget(target io.Writer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.flushed {
		return
	}
	w.target = target
	_, _ = target.Write(w.buf.Bytes())
	w.buf.Reset()
	w.flushed = true
}

var sink = &bufferedWriter{}
var once sync.Once

func init() {
	initLogger()
}

func initLogger() {
	once.Do(func() {
		Log = zerolog.New(sink).With().Timestamp().Logger()
	})
}

// SetDebug raises the global log level to debug.
func SetDebug(debug bool) {
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// SetFile redirects logging to the given path, flushing anything buffered
// before this call. path == "-" routes logging to stdout; an empty path
// falls back to stderr. Only the first call picks the sink; later calls
// leave it unchanged.
func SetFile(path string) error {
	if path == "" {
		sink.setTarget(zerolog.ConsoleWriter{Out: os.Stderr})
		return nil
	}
	if path == "-" {
		sink.setTarget(zerolog.ConsoleWriter{Out: os.Stdout})
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		Log.Err(err).Str("log_file", path).Msg("opening log file, falling back to stderr")
		sink.setTarget(zerolog.ConsoleWriter{Out: os.Stderr})
		return err
	}
	sink.setTarget(f)
	return nil
}
