package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sweeney/asterisk-tickets/internal/address"
	"github.com/sweeney/asterisk-tickets/internal/backend/carddav"
	"github.com/sweeney/asterisk-tickets/internal/backend/openproject"
	"github.com/sweeney/asterisk-tickets/internal/backend/pgstore"
	"github.com/sweeney/asterisk-tickets/internal/config"
	"github.com/sweeney/asterisk-tickets/internal/controller"
	"github.com/sweeney/asterisk-tickets/internal/publisher"
	"github.com/sweeney/asterisk-tickets/internal/ticket"
)

// deps holds the wired components and their cleanup functions.
type deps struct {
	controller *controller.Controller
	handler    publisher.Handler
	closers    []func() error
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*deps, error) {
	d := &deps{}

	tickets, err := buildTickets(ctx, cfg, logger, d)
	if err != nil {
		d.close()
		return nil, err
	}
	addresses, err := buildAddresses(ctx, cfg.Addresses, logger, d)
	if err != nil {
		d.close()
		return nil, err
	}

	loc, err := cfg.Call.Location()
	if err != nil {
		d.close()
		return nil, err
	}

	d.controller = controller.New(tickets, addresses,
		controller.WithLocation(loc),
		controller.WithDefaultDuration(cfg.Call.DefaultDuration),
		controller.WithUnknownLocation(cfg.Tickets.UnknownLocation),
		controller.WithDefaultAssignee(cfg.Tickets.DefaultAssignee),
		controller.WithSaveAttempts(cfg.Call.SaveAttempts),
		controller.WithLogger(logger.With("component", "controller")),
	)
	d.handler = d.controller

	if cfg.MQTT.Enabled {
		pub, err := publisher.NewMQTTPublisher(publisher.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      1,
			Logger:   logger,
		})
		if err != nil {
			d.close()
			return nil, err
		}
		d.closers = append(d.closers, pub.Close)
		d.handler = publisher.NewNotifier(d.controller, pub, cfg.MQTT.TopicPrefix, logger.With("component", "publisher"))
		logger.Info("connected to MQTT broker", "broker", cfg.MQTT.Broker)
	}

	return d, nil
}

func buildTickets(ctx context.Context, cfg *config.Config, logger *slog.Logger, d *deps) (ticket.Backend, error) {
	var backend ticket.Backend

	switch cfg.Tickets.Backend {
	case config.BackendOpenProject:
		op := cfg.Tickets.OpenProject
		client, err := openproject.New(openproject.Config{
			BaseURL:         op.BaseURL,
			APIToken:        op.APIToken,
			TypeID:          op.TypeID,
			UnknownLocation: cfg.Tickets.UnknownLocation,
			Fields:          op.Fields,
			Statuses:        op.Statuses,
			MaxRetries:      op.MaxRetries,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
		backend = client

	case config.BackendPostgres:
		db, err := pgstore.Open(cfg.Tickets.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		d.closers = append(d.closers, db.Close)

		store := pgstore.New(db, cfg.Tickets.UnknownLocation, logger)
		if cfg.Tickets.Postgres.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		for name, handle := range cfg.Tickets.Postgres.Agents {
			if err := store.AddAgent(ctx, name, handle); err != nil {
				return nil, err
			}
		}
		backend = store

	default:
		return nil, fmt.Errorf("unknown ticket backend %q", cfg.Tickets.Backend)
	}

	if cfg.Tickets.RequestTimeout > 0 {
		backend = ticket.WithTimeout(backend, cfg.Tickets.RequestTimeout)
	}
	return backend, nil
}

func buildAddresses(ctx context.Context, cfg config.AddressesConfig, logger *slog.Logger, d *deps) (address.Lookup, error) {
	var lookup address.Lookup

	switch cfg.Backend {
	case config.BackendNone, "":
		return address.Nop, nil
	case config.BackendCardDAV:
		client, err := carddav.New(carddav.Config{
			DirectURL:    cfg.CardDAV.DirectURL,
			CompaniesURL: cfg.CardDAV.CompaniesURL,
			Username:     cfg.CardDAV.Username,
			Password:     cfg.CardDAV.Password,
			CountryCode:  cfg.CardDAV.CountryCode,
			SuffixDigits: cfg.CardDAV.SuffixDigits,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		lookup = client
	default:
		return nil, fmt.Errorf("unknown address backend %q", cfg.Backend)
	}

	if cfg.RequestTimeout > 0 {
		lookup = address.WithTimeout(lookup, cfg.RequestTimeout)
	}

	if cfg.Cache.RedisURL != "" {
		rdb, err := address.NewRedisClient(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, rdb.Close)
		lookup = address.NewCache(lookup, rdb, cfg.Cache.TTL, logger)
	}
	return lookup, nil
}
