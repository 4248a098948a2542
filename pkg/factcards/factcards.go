// Package factcards provides the service layer over the card store:
// the write-operation engine, the idempotency ledger, and the read
// projections consumed by the agent/tool layer.
package factcards

import (
	"io"
	"log/slog"
	"time"

	"github.com/dvik/factcards/pkg/metrics"
	"github.com/dvik/factcards/pkg/store"
	"github.com/dvik/factcards/pkg/trace"
)

// Config holds configuration for the card service.
type Config struct {
	// Logger receives structured operation logs (default: discard).
	Logger *slog.Logger

	// Metrics collects operation counters (default: no-op).
	Metrics metrics.Collector

	// Tracer exports per-operation trace records (default: no-op).
	Tracer trace.Exporter

	// LedgerTTL expires idempotency tokens after this duration.
	// Zero keeps tokens for the process lifetime.
	LedgerTTL time.Duration

	// Clock overrides the timestamp source (default: time.Now).
	Clock func() time.Time
}

// Service owns one repository and one idempotency ledger and exposes
// the write/read operations of the card store.
type Service struct {
	repo    *store.Repository
	ledger  *Ledger
	logger  *slog.Logger
	metrics metrics.Collector
	tracer  trace.Exporter
	now     func() time.Time
}

// New creates a card service with its own repository.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoopCollector()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = &trace.NoopExporter{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Service{
		repo:    store.NewRepository(store.WithClock(cfg.Clock)),
		ledger:  NewLedger(cfg.LedgerTTL, cfg.Clock),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		now:     cfg.Clock,
	}
}

// Repository returns the underlying repository for direct reads and
// advanced operations.
func (s *Service) Repository() *store.Repository {
	return s.repo
}

// ClearLedger drops all recorded idempotency tokens. Test hook.
func (s *Service) ClearLedger() {
	s.ledger.Clear()
}
