package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	slogmulti "github.com/samber/slog-multi"
)

const (
	OutputStderr  = "stderr"
	OutputDiscard = "discard"
)

type slogKeyT struct{}

var slogKey slogKeyT

type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// ContextAttrs returns a context whose log records carry attrs in addition to
// the attributes of ctx. Sibling contexts never share the attribute slice.
func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, _ := ctx.Value(slogKey).([]slog.Attr)
	a = append(slices.Clip(a), attrs...)
	return context.WithValue(ctx, slogKey, a)
}

// New returns a JSON logger writing to stderr.
func New(verbose bool) *slog.Logger {
	return slog.New(NewContextHandler(jsonHandler(os.Stderr, verbose)))
}

// NewOutput returns a logger for the log configuration value: stderr,
// discard or a file path. A file gets a copy of the stderr records. The
// returned function closes the file.
func NewOutput(verbose bool, output string) (*slog.Logger, func() error, error) {
	noop := func() error { return nil }
	switch output {
	case "", OutputStderr:
		return New(verbose), noop, nil
	case OutputDiscard:
		return slog.New(slog.DiscardHandler), noop, nil
	}

	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	return NewWriters(verbose, os.Stderr, f), f.Close, nil
}

// NewWriters fans out JSON records to every writer.
func NewWriters(verbose bool, writers ...io.Writer) *slog.Logger {
	handlers := make([]slog.Handler, 0, len(writers))
	for _, w := range writers {
		handlers = append(handlers, jsonHandler(w, verbose))
	}
	return slog.New(NewContextHandler(slogmulti.Fanout(handlers...)))
}

func jsonHandler(w io.Writer, verbose bool) slog.Handler {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
	})
}
