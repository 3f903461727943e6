package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/transit-tracker/internal/config"
	"github.com/example/transit-tracker/internal/geo"
	"github.com/example/transit-tracker/internal/ingest"
	"github.com/example/transit-tracker/internal/linker"
	"github.com/example/transit-tracker/internal/logging"
	"github.com/example/transit-tracker/internal/models"
	"github.com/example/transit-tracker/internal/store"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total position fix messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	storeUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_store_updates_total",
		Help: "Total successful presence updates",
	})
	storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_store_errors_total",
		Help: "Total presence update failures",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, storeUpdates, storeErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var st store.Store
	if cfg.RedisAddr != "" {
		st = store.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
	} else {
		st = store.NewMemory()
		logger.Warn("REDIS_ADDR not set, using in-process store")
	}
	lk := linker.New(linker.Config{
		Zone: geo.CapacityZone{LengthM: cfg.ZoneLengthM, WidthM: cfg.ZoneWidthM},
	}, st, nil, logger)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroupID)

	readBackoff := time.Second
	const maxReadBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", readBackoff.String())
			time.Sleep(readBackoff)
			readBackoff *= 2
			if readBackoff > maxReadBackoff {
				readBackoff = maxReadBackoff
			}
			continue
		}
		readBackoff = time.Second

		msgsConsumed.Inc()

		var fix ingest.PositionFix
		if err := json.Unmarshal(m.Value, &fix); err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err)
			continue
		}
		if fix.ActorID == "" || !(models.Position{Lat: fix.Lat, Lng: fix.Lng}).Valid() {
			msgsInvalid.Inc()
			continue
		}

		if err := applyFixWithRetry(ctx, st, fix, cfg.WriteRetries, cfg.WriteRetryDelay); err != nil {
			storeErrors.Inc()
			logger.Error("presence update failed", "actor_id", fix.ActorID, "error", err)
			continue
		}
		storeUpdates.Inc()

		sweepGeofences(ctx, lk, fix, logger)
	}
}

// sweepGeofences runs the proximity checks a fix can trigger: driver
// fixes sweep the capacity zone for linkable passengers, passenger
// fixes test the arrival circle. Both paths into the presence tree go
// through here so broker and inline ingestion behave the same.
func sweepGeofences(ctx context.Context, lk *linker.Linker, fix ingest.PositionFix, logger *slog.Logger) {
	switch fix.Role {
	case models.RoleDriver:
		if _, err := lk.LinkPassengers(ctx, fix.ActorID); err != nil {
			logger.Warn("link sweep failed", "driver_id", fix.ActorID, "error", err)
		}
	case models.RolePassenger:
		if _, err := lk.CheckArrival(ctx, fix.ActorID); err != nil {
			logger.Warn("arrival check failed", "passenger_id", fix.ActorID, "error", err)
		}
	}
}

// applyFixWithRetry merges one fix into the presence tree, retrying
// transient store failures with doubling delays.
func applyFixWithRetry(ctx context.Context, st store.Store, fix ingest.PositionFix, attempts int, delay time.Duration) error {
	fields := map[string]any{
		"actor_id":    fix.ActorID,
		"role":        fix.Role,
		"lat":         fix.Lat,
		"lng":         fix.Lng,
		"online":      true,
		"last_update": fix.Timestamp,
	}
	if fix.Timestamp.IsZero() {
		fields["last_update"] = st.Now(ctx)
	}
	path := models.PresencePath(fix.Role, fix.ActorID)

	var err error
	for i := 0; i <= attempts; i++ {
		if err = st.Merge(ctx, path, fields); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}
