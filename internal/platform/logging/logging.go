// Package logging builds the process logger: JSON on stdout, a console
// writer in development, and an optional rotated log file.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level       zerolog.Level
	Development bool
	File        string
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
	Service     string
}

// New returns the logger and a close func that releases the log file, if any.
func New(opts Options) (zerolog.Logger, func() error) {
	return newLogger(os.Stdout, opts)
}

func newLogger(stdout io.Writer, opts Options) (zerolog.Logger, func() error) {
	var console io.Writer = stdout
	if opts.Development {
		console = zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.RFC3339}
	}

	out := console
	closeFn := func() error { return nil }
	if opts.File != "" {
		// the file always gets JSON, whatever the console format
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(console, file)
		closeFn = file.Close
	}

	ctx := zerolog.New(out).Level(opts.Level).With().Timestamp()
	if opts.Service != "" {
		ctx = ctx.Str("service", opts.Service)
	}
	return ctx.Logger(), closeFn
}
