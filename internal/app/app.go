package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"unitrack/internal/authority"
	"unitrack/internal/config"
	"unitrack/internal/db"
	"unitrack/internal/feed"
	"unitrack/internal/ledger"
	"unitrack/internal/lock"
	"unitrack/internal/migrate"
	"unitrack/internal/outbox"
	"unitrack/internal/syncer"
	unitracksdk "unitrack/sdk/go"
)

// Server is the authority side: the server database, the authority over it
// and, when enabled, the ledger feed.
type Server struct {
	DB        *sql.DB
	Authority authority.Authority
	Feed      *feed.Dispatcher

	closers []func() error
}

// OpenServer opens and migrates the server database in the configured
// workspace and wires the authority with the configured locker.
func OpenServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	conn, err := db.Open(db.Config{Workspace: cfg.Storage.Workspace, Name: db.ServerDB})
	if err != nil {
		return nil, err
	}
	s := &Server{DB: conn}
	s.closers = append(s.closers, conn.Close)
	if err := migrate.Migrate(conn); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate server db: %w", err)
	}

	locker, closeLocker, err := NewLocker(ctx, cfg.Lock)
	if err != nil {
		s.Close()
		return nil, err
	}
	if closeLocker != nil {
		s.closers = append(s.closers, closeLocker)
	}

	a := authority.New(conn, nil)
	a.Locker = locker
	a.Logger = logger.With().Str("component", "authority").Logger()
	s.Authority = a

	if cfg.Feed.Enabled {
		pub, closePub, err := NewPublisher(cfg.Feed)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, closePub)
		s.Feed = &feed.Dispatcher{
			Source:    ledger.Ledger{DB: conn},
			Publisher: pub,
			Interval:  cfg.Feed.Interval,
			FromStart: cfg.Feed.FromStart,
			Logger:    logger.With().Str("component", "feed").Logger(),
		}
	}
	return s, nil
}

// Close releases everything in reverse order of acquisition.
func (s *Server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// NewLocker builds the per-unit locker. The close func is nil for the
// in-memory backend.
func NewLocker(ctx context.Context, cfg config.LockConfig) (lock.Locker, func() error, error) {
	switch cfg.Backend {
	case "", "memory":
		return lock.NewKeyedMutex(), nil, nil
	case "redis":
		l, closeFn, err := lock.NewRedisLocker(ctx, lock.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.TTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return l, closeFn, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}

// NewPublisher connects the MQTT feed publisher.
func NewPublisher(cfg config.FeedConfig) (feed.Publisher, func() error, error) {
	p, err := feed.NewMQTTPublisher(feed.MQTTOptions{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		QoS:         byte(cfg.MQTT.QoS),
		Timeout:     cfg.MQTT.Timeout,
	})
	if err != nil {
		return nil, nil, err
	}
	return p, func() error { p.Close(); return nil }, nil
}

// Device is the field side: the local outbox and the coordinator that
// drains it.
type Device struct {
	DB          *sql.DB
	Coordinator *syncer.Coordinator
}

// OpenDevice opens the device database and builds a coordinator over t.
func OpenDevice(cfg *config.Config, t syncer.Transport, logger zerolog.Logger) (*Device, error) {
	conn, err := db.Open(db.Config{Workspace: cfg.Storage.Workspace, Name: db.DeviceDB})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateDevice(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate device db: %w", err)
	}
	c := syncer.New(outbox.Outbox{DB: conn}, t)
	c.Backoff = syncer.Backoff{Base: cfg.Device.Backoff.Base, Max: cfg.Device.Backoff.Max}
	c.Interval = cfg.Device.DrainInterval
	c.Logger = logger.With().Str("component", "sync").Str("device_id", cfg.Device.ID).Logger()
	return &Device{DB: conn, Coordinator: c}, nil
}

func (d *Device) Close() error {
	return d.DB.Close()
}

// HTTPTransport reaches the authority through its HTTP API.
func HTTPTransport(cfg config.DeviceConfig, logger zerolog.Logger) syncer.Transport {
	client := unitracksdk.New(cfg.ServerURL,
		unitracksdk.WithToken(cfg.Token),
		unitracksdk.WithTimeout(cfg.Timeout),
	)
	return syncer.HTTPTransport{
		Client:  client,
		Timeout: cfg.Timeout,
		Logger:  logger.With().Str("component", "transport").Logger(),
	}
}
