package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/secureailabs/jobengine/internal/engine"
	"github.com/secureailabs/jobengine/internal/log"
	"github.com/secureailabs/jobengine/internal/model"
	"github.com/secureailabs/jobengine/internal/wire"

	"golang.org/x/sync/errgroup"
)

// serve accepts a single orchestrator connection on the unix socket and runs
// the engine until VmShutdown, the connection is closed or a signal arrives.
func serve(ctx context.Context, cfg model.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("jobengine",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	engineCfg, err := engine.ConfigFrom(cfg)
	if err != nil {
		return err
	}
	cfg = cfg.WithDefaults()

	conn, err := accept(ctx, cfg.Socket)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	wc := wire.NewConn(conn)
	eng, err := engine.New(engineCfg, wc)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			slog.ErrorContext(ctx, "closing engine has failed", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	requests := make(chan model.Request)
	var g errgroup.Group
	g.Go(func() error {
		defer close(requests)
		return wc.Pump(ctx, requests)
	})

	err = eng.Do(ctx, requests)
	cancel()
	// unblocks the pump waiting for the next request
	_ = conn.Close()
	if perr := g.Wait(); perr != nil && !errors.Is(perr, net.ErrClosed) {
		slog.ErrorContext(ctx, "reading requests has failed", "error", perr)
	}
	return err
}

func accept(ctx context.Context, path string) (net.Conn, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}
	// a stale socket of a previous run
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing socket %s: %w", path, err)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	defer func() {
		_ = ln.Close()
	}()
	unblock := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer unblock()

	slog.InfoContext(ctx, "waiting for the orchestrator", "socket", path)
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accepting connection: %w", err)
	}
	slog.InfoContext(ctx, "orchestrator connected")
	return conn, nil
}
