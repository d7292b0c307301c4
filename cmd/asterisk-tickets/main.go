package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/sweeney/asterisk-tickets/internal/callevent"
	"github.com/sweeney/asterisk-tickets/internal/config"
	"github.com/sweeney/asterisk-tickets/internal/controller"
	"github.com/sweeney/asterisk-tickets/internal/publisher"
	"github.com/sweeney/asterisk-tickets/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		dryRunPath string
	)
	flagSet := pflag.NewFlagSet("asterisk-tickets", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "/etc/asterisk-tickets/asterisk-tickets.yaml", "path to config file")
	flagSet.StringVar(&dryRunPath, "dry-run-event", "", "handle the call event JSON in this file (- for stdin), print the outcome and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	if dryRunPath != "" {
		return dryRun(ctx, app.handler, dryRunPath, os.Stdout)
	}

	errCh := make(chan error, 2)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           webhook.New(app.handler, app.controller, logger.With("component", "webhook")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening", "addr", cfg.Server.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.AMI.Enabled {
		go func() {
			runAMI(ctx, cfg.AMI, app.handler, logger.With("component", "ami"))
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

type dryRunResult struct {
	Result   string `json:"result"`
	Event    string `json:"event"`
	CallID   string `json:"call_id"`
	TicketID string `json:"ticket_id,omitempty"`
	Created  bool   `json:"created,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

// dryRun handles a single event read from path and writes the outcome as
// JSON to w.
func dryRun(ctx context.Context, h publisher.Handler, path string, w io.Writer) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening event: %w", err)
		}
		defer f.Close()
		r = f
	}

	evt, err := callevent.Decode(r)
	if err != nil {
		return err
	}

	out, herr := h.Handle(ctx, evt)
	res := dryRunResult{
		Result:   out.Result.String(),
		Event:    evt.Kind.Slug(),
		CallID:   evt.CallID,
		TicketID: out.TicketID,
		Created:  out.Created,
		Reason:   out.Reason,
	}
	if herr != nil {
		res.Result = "failed"
		res.Error = herr.Error()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if herr != nil && !errors.Is(herr, controller.ErrTicketNotFound) && !errors.Is(herr, controller.ErrTicketCreation) {
		return herr
	}
	return nil
}
