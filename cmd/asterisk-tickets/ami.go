package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/sweeney/asterisk-tickets/internal/ami"
	"github.com/sweeney/asterisk-tickets/internal/config"
	"github.com/sweeney/asterisk-tickets/internal/correlator"
	"github.com/sweeney/asterisk-tickets/internal/publisher"
)

const reconnectDelay = 5 * time.Second

// runAMI keeps an AMI session open until ctx is cancelled.
func runAMI(ctx context.Context, cfg config.AMIConfig, h publisher.Handler, logger *slog.Logger) {
	for {
		err := runSession(ctx, cfg, h, logger)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("AMI session ended, reconnecting", "error", err, "delay", reconnectDelay)
		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

func runSession(ctx context.Context, cfg config.AMIConfig, h publisher.Handler, logger *slog.Logger) error {
	addr := cfg.Addr()
	logger.Info("connecting to AMI", "addr", addr)

	s, err := ami.Dial(ctx, addr, cfg.Username, cfg.Secret)
	if err != nil {
		return err
	}
	defer s.Close()

	// Unblock Next when ctx is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-done:
		}
	}()

	logger.Info("AMI authenticated, processing events", "banner", s.Banner)
	return pump(ctx, s.Next, correlator.NewWithOptions(correlator.WithRules(cfg.Rules)), h, logger)
}

// pump feeds AMI events through the correlator into h until next fails.
// Handler errors are logged; one bad call never stops the stream.
func pump(ctx context.Context, next func() (ami.Event, error), corr *correlator.Correlator, h publisher.Handler, logger *slog.Logger) error {
	for {
		evt, err := next()
		if err != nil {
			return err
		}
		for _, ce := range corr.Process(evt) {
			if _, err := h.Handle(ctx, ce); err != nil {
				logger.Error("call event failed", "event", ce.Kind.Slug(), "call_id", ce.CallID, "error", err)
			}
		}
	}
}
