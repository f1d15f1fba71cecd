// Package server assembles the components and owns the run lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/hivetrap/sentinel/internal/alerts"
	"github.com/hivetrap/sentinel/internal/config"
	"github.com/hivetrap/sentinel/internal/geoip"
	"github.com/hivetrap/sentinel/internal/httpapi"
	"github.com/hivetrap/sentinel/internal/ml"
	"github.com/hivetrap/sentinel/internal/observability"
	"github.com/hivetrap/sentinel/internal/storage"
	"github.com/hivetrap/sentinel/internal/stream"
)

const (
	shutdownTimeout      = 10 * time.Second
	gaugeRefreshInterval = 15 * time.Second

	readHeaderTimeout = 10 * time.Second
)

// Server owns the assembled components and the HTTP listener.
type Server struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	store       *storage.Manager
	resolver    *geoip.Resolver
	predictor   *ml.Predictor
	broadcaster *stream.Broadcaster
	notifier    *alerts.Notifier
	metrics     *observability.MetricsManager

	httpServer *http.Server
	startTime  time.Time
}

// NewServer builds all components from the configuration.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	sugar := logger.Sugar()

	store, err := storage.NewManager(cfg.DataDir, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}

	resolverOpts := geoip.Options{}
	if cfg.GeoIP != nil {
		resolverOpts.LookupURL = cfg.GeoIP.LookupURL
		if cfg.GeoIP.TimeoutSeconds > 0 {
			resolverOpts.Timeout = time.Duration(cfg.GeoIP.TimeoutSeconds) * time.Second
		}
		if cfg.GeoIP.MMDBPath != "" {
			mmdb, err := geoip.OpenMMDB(cfg.GeoIP.MMDBPath)
			if err != nil {
				sugar.Warnw("Failed to open GeoIP database, falling back to HTTP lookups",
					"path", cfg.GeoIP.MMDBPath, "error", err)
			} else {
				resolverOpts.MMDB = mmdb
			}
		}
	}
	resolver := geoip.NewResolver(resolverOpts, sugar)

	modelsDir := cfg.ModelsDir
	if modelsDir == "" {
		modelsDir = filepath.Join(cfg.DataDir, "ml_models")
	}
	predictor := ml.NewPredictor(modelsDir, sugar)
	if predictor.Available() {
		sugar.Info("Model bundle loaded, ensemble scoring active")
	} else {
		sugar.Warn("No model bundle found, falling back to heuristic scoring")
	}

	broadcaster := stream.NewBroadcaster()
	metrics := observability.NewMetricsManager(sugar)

	var notifier *alerts.Notifier
	if cfg.Alerts != nil && cfg.Alerts.WebhookURL != "" {
		notifier, err = alerts.NewNotifier(alerts.Config{
			WebhookURL: cfg.Alerts.WebhookURL,
			MinScore:   cfg.Alerts.MinScore,
			Rule:       cfg.Alerts.Rule,
			Metrics:    metrics,
		}, sugar)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to configure alert notifier: %w", err)
		}
	}

	api := httpapi.NewServer(store, resolver, predictor, broadcaster, metrics, sugar)

	return &Server{
		cfg:         cfg,
		logger:      sugar,
		store:       store,
		resolver:    resolver,
		predictor:   predictor,
		broadcaster: broadcaster,
		notifier:    notifier,
		metrics:     metrics,
		httpServer: &http.Server{
			Addr:              cfg.Listen,
			Handler:           api.Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
		},
		startTime: time.Now(),
	}, nil
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.notifier != nil && s.notifier.Enabled() {
		go s.notifier.Run(ctx, s.broadcaster)
		s.logger.Info("Alert notifier started")
	}

	go s.refreshGauges(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("HTTP server listening", "addr", s.cfg.Listen)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.closeComponents()
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warnw("HTTP server shutdown error", "error", err)
	}

	s.closeComponents()
	return nil
}

// refreshGauges periodically updates the uptime and stored-event gauges.
func (s *Server) refreshGauges(ctx context.Context) {
	ticker := time.NewTicker(gaugeRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.SetUptime(s.startTime)
			if count, err := s.store.Count(); err == nil {
				s.metrics.SetEventsStored(count)
			}
			s.metrics.SetSubscribers(s.broadcaster.SubscriberCount())
		}
	}
}

func (s *Server) closeComponents() {
	if err := s.resolver.Close(); err != nil {
		s.logger.Warnw("Failed to close GeoIP resolver", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warnw("Failed to close event store", "error", err)
	}
}
