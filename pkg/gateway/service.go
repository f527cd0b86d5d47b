package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pincer/pkg/agent"
	"pincer/pkg/bus"
	"pincer/pkg/channel"
	"pincer/pkg/config"
	"pincer/pkg/provider"
)

const (
	defaultHealthHost = "0.0.0.0"
	defaultHealthPort = 18790

	providerHealthInterval = 30 * time.Second
	shutdownGrace          = 5 * time.Second
)

// Service is the long-running gateway deployment: one agent instance and
// one message bus shared by every configured channel adapter, plus a
// small HTTP status server.
type Service struct {
	cfg        *config.Config
	log        *slog.Logger
	provider   provider.Client
	messageBus *bus.MessageBus
	instance   *agent.Instance
	channels   []channel.Adapter
	status     *statusTracker
}

func NewService(cfg *config.Config, adapters []channel.Adapter, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	client, err := provider.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize provider: %w", err)
	}

	return newServiceWithClient(cfg, client, adapters, log)
}

func newServiceWithClient(cfg *config.Config, client provider.Client, adapters []channel.Adapter, log *slog.Logger) (*Service, error) {
	if len(adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if log == nil {
		log = slog.Default()
	}

	messageBus := bus.NewMessageBus()
	instance, err := agent.NewInstance(cfg, client, messageBus)
	if err != nil {
		messageBus.Close()
		return nil, fmt.Errorf("assemble agent: %w", err)
	}

	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return &Service{
		cfg:        cfg,
		log:        log.With("component", "gateway.service"),
		provider:   client,
		messageBus: messageBus,
		instance:   instance,
		channels:   adapters,
		status:     newStatusTracker(instance, names),
	}, nil
}

// Run starts the agent loop, the outbound dispatcher, every channel
// adapter, and the status server, then blocks until ctx is canceled or
// a component fails fatally.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.status.markStarted()

	if err := s.checkProviderHealth(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErrors := make(chan error, 1)
	go s.runHealthServer(runCtx, serverErrors)

	go s.watchProviderHealth(runCtx)

	go s.messageBus.DispatchOutbound(runCtx)

	instanceDone := make(chan struct{})
	go func() {
		defer close(instanceDone)
		s.instance.Run(runCtx)
	}()

	adapterErrors := make(chan error, len(s.channels))
	for _, adapter := range s.channels {
		adapter := adapter
		s.status.setChannelState(adapter.Name(), channelState{Running: true})

		go func() {
			err := adapter.Run(runCtx, s.messageBus)
			s.status.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				adapterErrors <- fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
		}()
	}

	s.log.Info("Gateway started", "channels", len(s.channels), "model", s.instance.Model())

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrors:
	case runErr = <-adapterErrors:
	}

	cancel()
	s.shutdown(instanceDone)

	return runErr
}

// shutdown drains background work with a bounded grace period: first the
// subagents, then the bus, then the loop goroutine itself.
func (s *Service) shutdown(instanceDone <-chan struct{}) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := s.instance.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("Subagents still running at shutdown", "error", err)
	}

	s.messageBus.Close()

	select {
	case <-instanceDone:
	case <-time.After(shutdownGrace):
		s.log.Warn("Agent loop still draining at shutdown")
	}

	s.log.Info("Gateway stopped")
}

func (s *Service) watchProviderHealth(ctx context.Context) {
	ticker := time.NewTicker(providerHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.checkProviderHealth(ctx); err != nil {
				s.log.Warn("Provider health check failed", "error", err)
			}
		}
	}
}

func (s *Service) checkProviderHealth(ctx context.Context) error {
	if err := s.provider.Health(ctx); err != nil {
		s.status.providerFailed(err)
		return fmt.Errorf("provider health check failed: %w", err)
	}

	s.status.providerOK()

	return nil
}

func (s *Service) runHealthServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.status.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.status.snapshot(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
