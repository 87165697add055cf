package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/pelusa-v/toto-hub/internal/chat"
	"github.com/pelusa-v/toto-hub/internal/config"
	"github.com/pelusa-v/toto-hub/internal/handlers"
	"github.com/pelusa-v/toto-hub/internal/metrics"
	"github.com/pelusa-v/toto-hub/internal/notify"
	"github.com/pelusa-v/toto-hub/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var Version = "development"

func main() {
	cfg := config.New()

	if !cfg.NoHeader {
		zap.S().Info("toto-hub")
		zap.S().Infof("Version: %s", Version)
	}
	zap.S().Debugf("MaxProcs: %d", runtime.GOMAXPROCS(0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := openStore(ctx, cfg)
	if err != nil {
		zap.S().Fatalw("failed to open store",
			"driver", cfg.Store.Driver,
			"error", err,
		)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	hub := chat.NewHub(chat.Options{
		Store:                s,
		Metrics:              m,
		SendBuffer:           cfg.Hub.SendBuffer,
		HistoryLimit:         cfg.Hub.HistoryLimit,
		LivenessGrace:        cfg.Hub.LivenessGrace,
		PingInterval:         cfg.Hub.PingInterval,
		WriteTimeout:         cfg.Hub.WriteTimeout,
		ReapInterval:         cfg.Hub.ReapInterval,
		MaxEventBytes:        cfg.Hub.MaxEventBytes,
		DefaultVoiceCapacity: cfg.Hub.DefaultVoiceCapacity,
		StoreTimeout:         cfg.Store.Timeout,
		RoomCacheTTL:         cfg.Store.RoomCacheTTL,
		AnonymousChatReaders: cfg.Auth.AnonymousChatReaders,
	})
	go hub.Run(ctx)

	var gateway notify.Gateway = notify.LogGateway{}
	if cfg.Push.URL != "" {
		gateway = notify.NewHTTPGateway(cfg.Push.URL, cfg.Push.APIKey, cfg.Push.Timeout)
	}
	dispatcher := notify.NewDispatcher(s, hub, gateway, m, cfg.Push.Timeout)

	if cfg.Auth.JWTSecret == "" {
		zap.S().Warn("auth.jwt_secret is empty, only anonymous connections will be accepted")
	}

	opts := handlers.Options{
		Hub:                  hub,
		Dispatcher:           dispatcher,
		Store:                s,
		Auth:                 handlers.NewAuthenticator(cfg.Auth.JWTSecret),
		InternalToken:        cfg.Http.InternalToken,
		AnonymousChatReaders: cfg.Auth.AnonymousChatReaders,
		HistoryLimit:         cfg.Hub.HistoryLimit,
		HealthTimeout:        cfg.Store.Timeout,
	}
	if cfg.Monitoring.Enabled {
		opts.Gatherer = reg
		opts.MetricsPath = cfg.Monitoring.Path
	}
	app := handlers.New(ctx, opts)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		<-sig
		cancel()
		go func() {
			select {
			case <-time.After(time.Minute):
			case <-sig:
			}
			zap.S().Fatal("force shutdown")
		}()

		zap.S().Info("shutting down")

		err := app.ShutdownWithTimeout(10 * time.Second)
		hub.Close()
		dispatcher.Close()
		err = multierr.Append(err, s.Close())
		if err != nil {
			zap.S().Errorw("unclean shutdown",
				"error", err,
			)
		}

		close(done)
	}()

	zap.S().Infow("running",
		"addr", cfg.Http.Addr,
		"store", cfg.Store.Driver,
	)
	if err := app.Listen(cfg.Http.Addr); err != nil {
		zap.S().Fatalw("http failed",
			"error", err,
		)
	}

	<-done

	zap.S().Info("shutdown")
	os.Exit(0)
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var s store.Store
	switch cfg.Store.Driver {
	case "memory", "":
		s = store.NewMemory()
	case "postgres":
		pg, err := store.OpenPostgres(store.PostgresConfig{
			DSN:             cfg.Store.DSN,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Store.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return nil, multierr.Append(err, pg.Close())
			}
		}
		s = pg
	default:
		return nil, errors.New("unknown store driver " + cfg.Store.Driver)
	}

	for _, room := range cfg.Store.SeedRooms {
		_, err := s.GetRoom(ctx, room.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, multierr.Append(err, s.Close())
		}
		if room.CreatedAt.IsZero() {
			room.CreatedAt = time.Now().UTC()
		}
		if err := s.CreateRoom(ctx, room); err != nil {
			return nil, multierr.Append(err, s.Close())
		}
		zap.S().Infow("seeded room",
			"room", room.ID,
			"kind", room.Kind,
		)
	}
	return s, nil
}
