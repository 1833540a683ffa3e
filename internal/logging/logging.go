// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level  string
	Pretty bool
	// File, when set, receives a JSON copy of every line and is rotated by
	// size.
	File string
	// Stdout defaults to os.Stdout.
	Stdout io.Writer
}

// New returns a logger tagged with a fresh instance id and a function that
// closes any log file.
func New(opts Options) (zerolog.Logger, func() error, error) {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	closer := func() error { return nil }
	if opts.File != "" {
		file := &closeOnceWriter{w: &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    20, // MB
			MaxBackups: 3,
			MaxAge:     14, // days
		}}
		out = zerolog.MultiLevelWriter(out, file)
		closer = file.Close
	}

	log := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("instance", uuid.NewString()).
		Logger()
	return log, closer, nil
}

// closeOnceWriter rejects writes after Close; lumberjack reopens its file on
// every write otherwise.
type closeOnceWriter struct {
	w      io.WriteCloser
	mu     sync.Mutex
	closed bool
}

func (c *closeOnceWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	return c.w.Write(p)
}

func (c *closeOnceWriter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.w.Close()
}
