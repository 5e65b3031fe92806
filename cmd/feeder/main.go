// Command feeder simulates the driver app: it moves the catalog's drivers
// between places and publishes their positions to the Kafka position topic
// that the dispatch server consumes.
package main

import (
	"context"
	"flag"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/taxi-dispatch/internal/catalog"
	"github.com/example/taxi-dispatch/internal/config"
	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/ingest"
	"github.com/example/taxi-dispatch/internal/logging"
	"github.com/example/taxi-dispatch/internal/models"
)

var (
	positionsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feeder_positions_published_total",
		Help: "Total driver positions published",
	})
	publishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feeder_publish_errors_total",
		Help: "Total failed position publishes",
	})
)

func init() {
	prometheus.MustRegister(positionsPublished, publishErrors)
}

// PositionPublisher is the part of the Kafka producer the feeder uses.
type PositionPublisher interface {
	PublishPosition(ctx context.Context, u models.PositionUpdate) error
}

func main() {
	var (
		metricsAddr string
		interval    time.Duration
		speedKmh    float64
	)
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.DurationVar(&interval, "interval", 2*time.Second, "time between position ticks")
	flag.Float64Var(&speedKmh, "speed-kmh", 30, "simulated driving speed")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel).With("component", "feeder")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	cat := catalog.Default()
	if cfg.CatalogPath != "" {
		if cat, err = catalog.Load(cfg.CatalogPath); err != nil {
			logger.Error("load catalog", "error", err)
			os.Exit(1)
		}
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	producer := ingest.NewKafkaProducer(brokers, "", cfg.KafkaPositionsTopic)
	defer func() { _ = producer.Close() }()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	walkers := newWalkers(cat, rng)
	stepKm := speedKmh * interval.Hours()
	logger.Info("feeder started", "brokers", brokers, "topic", cfg.KafkaPositionsTopic, "drivers", len(walkers), "step_km", stepKm)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down feeder")
			return
		case now := <-t.C:
			tick(ctx, producer, walkers, stepKm, now, logger)
		}
	}
}

type walker struct {
	driverID int64
	pos      models.Coord
	target   models.Coord
	pick     func() models.Coord
}

// newWalkers creates one walker per positioned, non-offline driver, each
// heading to a random catalog place.
func newWalkers(cat catalog.Catalog, rng *rand.Rand) []*walker {
	var targets []models.Coord
	for _, p := range cat.Places {
		if c, ok := p.Coord(); ok {
			targets = append(targets, c)
		}
	}
	if len(targets) == 0 {
		return nil
	}
	pick := func() models.Coord { return targets[rng.Intn(len(targets))] }

	var out []*walker
	for _, d := range cat.Drivers {
		c, ok := d.Coord()
		if !ok || d.Status == models.DriverOffline {
			continue
		}
		out = append(out, &walker{driverID: d.ID, pos: c, target: pick(), pick: pick})
	}
	return out
}

// step moves the walker stepKm toward its target along a straight line and
// picks a new target on arrival.
func (w *walker) step(stepKm float64) models.Coord {
	remaining := geo.HaversineKm(w.pos, w.target)
	if remaining <= stepKm {
		w.pos = w.target
		w.target = w.pick()
		return w.pos
	}
	f := stepKm / remaining
	w.pos = models.Coord{
		Lat: w.pos.Lat + (w.target.Lat-w.pos.Lat)*f,
		Lng: w.pos.Lng + (w.target.Lng-w.pos.Lng)*f,
	}
	return w.pos
}

func tick(ctx context.Context, pub PositionPublisher, walkers []*walker, stepKm float64, now time.Time, logger *slog.Logger) int {
	sent := 0
	for _, w := range walkers {
		c := w.step(stepKm)
		u := models.PositionUpdate{DriverID: w.driverID, Lat: round6(c.Lat), Lng: round6(c.Lng), At: now.UTC()}
		if err := pub.PublishPosition(ctx, u); err != nil {
			publishErrors.Inc()
			logger.Warn("publish position failed", "driver_id", w.driverID, "error", err)
			continue
		}
		positionsPublished.Inc()
		sent++
	}
	return sent
}

func round6(v float64) float64 { return math.Round(v*1e6) / 1e6 }
