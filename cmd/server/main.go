package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/transit-tracker/internal/config"
	"github.com/example/transit-tracker/internal/dispatchflow"
	"github.com/example/transit-tracker/internal/geo"
	httpapi "github.com/example/transit-tracker/internal/http"
	"github.com/example/transit-tracker/internal/identity"
	"github.com/example/transit-tracker/internal/ingest"
	"github.com/example/transit-tracker/internal/linker"
	"github.com/example/transit-tracker/internal/logging"
	"github.com/example/transit-tracker/internal/models"
	"github.com/example/transit-tracker/internal/notify"
	"github.com/example/transit-tracker/internal/observability"
	"github.com/example/transit-tracker/internal/presence"
	"github.com/example/transit-tracker/internal/ratelimit"
	"github.com/example/transit-tracker/internal/store"
	"github.com/example/transit-tracker/internal/trips"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var st store.Store
	if cfg.RedisAddr != "" {
		st = store.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
		logger.Info("using redis store", "addr", cfg.RedisAddr)
	} else {
		st = store.NewMemory()
		logger.Warn("REDIS_ADDR not set, using in-process store")
	}

	roles := &identity.StoreOracle{Store: st}
	wsreg := notify.NewWSRegistry(logger)
	notifier := notify.Func(func(ev notify.Event) bool {
		if ev.ActorID != "" {
			wsreg.Publish(ev.ActorID, ev)
		} else {
			wsreg.Broadcast(ev)
		}
		// server-side default handling always proceeds; only an
		// interactive client may cancel
		return true
	})

	routes := &identity.RouteResolver{Store: st}
	tm := trips.NewManager(st, routes, logging.Component(logger, "trips"))
	lk := linker.New(linker.Config{
		Zone:          geo.CapacityZone{LengthM: cfg.ZoneLengthM, WidthM: cfg.ZoneWidthM},
		ArrivalRadius: cfg.ArrivalRadius,
	}, st, notifier, logging.Component(logger, "linker"))
	wf := dispatchflow.New(st, roles, notifier, logging.Component(logger, "dispatch"))

	var sms *notify.SMSClient
	if cfg.SMSEndpoint != "" {
		limiter := ratelimit.New(cfg.SMSMaxPerMin, time.Minute)
		sms = notify.NewSMSClient(cfg.SMSEndpoint, cfg.SMSAPIKey, cfg.SMSSenderName, limiter)
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
	}

	srv := httpapi.NewServer(st, roles, tm, lk, wf, sms, kp, wsreg, presence.NewRenderCache(), cfg.SyncInterval, logger)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go watchDriversOnline(ctx, st, logger)

	go func() {
		logger.Info("transit-tracker listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

// watchDriversOnline keeps the drivers_online gauge in step with the
// presence tree. Effective liveness is computed, never read off the
// stored flag.
func watchDriversOnline(ctx context.Context, st store.Store, logger *slog.Logger) {
	events, err := st.Watch(ctx, "drivers_location")
	if err != nil {
		logger.Warn("presence watch unavailable", "error", err)
		return
	}
	for ev := range events {
		now := st.Now(ctx)
		online := 0
		for _, raw := range ev.Children {
			var rec models.PresenceRecord
			if json.Unmarshal(raw, &rec) != nil {
				continue
			}
			if models.ComputeOnline(rec, now) {
				online++
			}
		}
		observability.DriversOnline.Set(float64(online))
	}
}
