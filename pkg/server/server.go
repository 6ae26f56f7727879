package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/greenmeter/greenmeter/pkg/greenchoice"
	"github.com/greenmeter/greenmeter/pkg/log"
	"github.com/greenmeter/greenmeter/pkg/types"
)

// Server periodically refreshes a snapshot from the energy supplier's portal
// and exposes it over HTTP as JSON and as Prometheus metrics.
type Server struct {
	client   *greenchoice.Client
	interval time.Duration

	listenAddr string
	httpServer *http.Server
	serverName string

	mu           sync.RWMutex
	snapshot     types.Snapshot
	lastUpdate   time.Time
	haveSnapshot bool
	failures     int

	registry        *prometheus.Registry
	values          *prometheus.GaugeVec
	lastUpdateGauge prometheus.Gauge
	failureGauge    prometheus.Gauge
}

func newServer() *Server {
	s := &Server{
		registry:   prometheus.NewRegistry(),
		serverName: "greenmeter",
	}
	s.values = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "greenmeter_snapshot_value",
		Help: "Latest snapshot values by field; fields absent this cycle carry no series.",
	}, []string{"field"})
	s.lastUpdateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "greenmeter_last_update_timestamp_seconds",
		Help: "Unix timestamp of the last completed refresh cycle.",
	})
	s.failureGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "greenmeter_consecutive_failed_updates",
		Help: "Number of refresh cycles in a row that produced no data at all.",
	})
	s.registry.MustRegister(s.values, s.lastUpdateGauge, s.failureGauge)
	return s
}

// Configured initializes the Server and its portal client.
// It uses lflag to register command-line flags for configuration.
func Configured() *Server {
	srv := newServer()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	username := lflag.RequiredString("portal-username", "Portal login username (email address)")
	password := lflag.RequiredString("portal-password", "Portal login password")
	customerNumber := lflag.String("customer-number", "", "Customer number (resolved from the portal when empty)")
	agreementID := lflag.String("agreement-id", "", "Agreement ID (resolved from the portal when empty)")
	portalURL := lflag.String("portal-url", greenchoice.DefaultBaseURL, "Base URL of the customer portal")
	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	interval := lflag.Duration("update-interval", time.Hour, "How often to refresh the snapshot (e.g. 1h, 30m)")

	lflag.Do(func() {
		opts := []greenchoice.Option{greenchoice.WithBaseURL(*portalURL)}
		if *customerNumber != "" || *agreementID != "" {
			cn, err := strconv.Atoi(*customerNumber)
			if err != nil {
				log.Ctx(context.Background()).Error("invalid customer-number", slog.Any("error", err))
				os.Exit(1)
			}
			aid, err := strconv.Atoi(*agreementID)
			if err != nil {
				log.Ctx(context.Background()).Error("invalid agreement-id", slog.Any("error", err))
				os.Exit(1)
			}
			opts = append(opts, greenchoice.WithIdentifiers(cn, aid))
		}
		client, err := greenchoice.New(types.Credentials{
			Username: *username,
			Password: *password,
		}, opts...)
		if err != nil {
			log.Ctx(context.Background()).Error("failed to initialize portal client", slog.Any("error", err))
			os.Exit(1)
		}
		srv.client = client
		srv.listenAddr = *listenAddr
		srv.interval = *interval
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/profiles", s.handleProfiles)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.serverNameMiddleware(gziphandler.GzipHandler(mux))
}

// Run starts the refresh loop and the HTTP server, blocking until the
// context is canceled or the server fails. It handles graceful shutdown
// when the context is done.
func (s *Server) Run(ctx context.Context) error {
	defer s.client.Close()

	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.refreshLoop(ctx)

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) refreshLoop(ctx context.Context) {
	s.refresh(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

// refresh runs one update cycle and publishes the result. Update never
// fails; an all-null snapshot is what failure looks like, and a streak of
// those is surfaced through the failure gauge.
func (s *Server) refresh(ctx context.Context) {
	snap := s.client.Update(ctx)
	now := time.Now()

	s.mu.Lock()
	s.snapshot = snap
	s.lastUpdate = now
	s.haveSnapshot = true
	if snap == (types.Snapshot{}) {
		s.failures++
	} else {
		s.failures = 0
	}
	failures := s.failures
	s.mu.Unlock()

	s.publishMetrics(snap, now, failures)
	log.Ctx(ctx).InfoContext(ctx, "snapshot refreshed", slog.Int("consecutive_failures", failures))
}

func (s *Server) publishMetrics(snap types.Snapshot, ts time.Time, failures int) {
	s.values.Reset()
	set := func(field string, v *float64) {
		if v != nil {
			s.values.WithLabelValues(field).Set(*v)
		}
	}
	set("electricity_consumption_off_peak", snap.ElectricityConsumptionOffPeak)
	set("electricity_consumption_normal", snap.ElectricityConsumptionNormal)
	set("electricity_consumption_total", snap.ElectricityConsumptionTotal)
	set("electricity_feed_in_off_peak", snap.ElectricityFeedInOffPeak)
	set("electricity_feed_in_normal", snap.ElectricityFeedInNormal)
	set("electricity_feed_in_total", snap.ElectricityFeedInTotal)
	set("electricity_price_single", snap.ElectricityPriceSingle)
	set("electricity_price_off_peak", snap.ElectricityPriceOffPeak)
	set("electricity_price_normal", snap.ElectricityPriceNormal)
	set("electricity_feed_in_compensation", snap.ElectricityFeedInCompensation)
	set("electricity_feed_in_cost", snap.ElectricityFeedInCost)
	set("gas_consumption", snap.GasConsumption)
	set("gas_price", snap.GasPrice)
	if snap.ElectricityReadingDate != nil {
		s.values.WithLabelValues("electricity_reading_timestamp_seconds").Set(float64(snap.ElectricityReadingDate.Unix()))
	}
	if snap.GasReadingDate != nil {
		s.values.WithLabelValues("gas_reading_timestamp_seconds").Set(float64(snap.GasReadingDate.Unix()))
	}
	s.lastUpdateGauge.Set(float64(ts.Unix()))
	s.failureGauge.Set(float64(failures))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	snap := s.snapshot
	lastUpdate := s.lastUpdate
	have := s.haveSnapshot
	s.mu.RUnlock()

	if !have {
		writeJSONError(w, "no snapshot yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(struct {
		Snapshot   types.Snapshot `json:"snapshot"`
		LastUpdate time.Time      `json:"last_update"`
	}{Snapshot: snap, LastUpdate: lastUpdate}); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.client.GetProfiles(r.Context())
	if err != nil {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "failed to list profiles", slog.Any("error", err))
		writeJSONError(w, "failed to list profiles", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(profiles); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) serverNameMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}
