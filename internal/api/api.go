// Package api provides HTTP handlers and the main API server logic for CarePulse.
//
// It exposes RESTful endpoints for registering users, recording symptoms and
// treatments, and inspecting delivery bookkeeping. Run wires together the
// messaging channel, the per-user schedule engines, and the stores.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/CarePulse/internal/extract"
	"github.com/BTreeMap/CarePulse/internal/genai"
	"github.com/BTreeMap/CarePulse/internal/inbound"
	"github.com/BTreeMap/CarePulse/internal/messaging"
	"github.com/BTreeMap/CarePulse/internal/scheduler"
	"github.com/BTreeMap/CarePulse/internal/store"
	"github.com/BTreeMap/CarePulse/internal/twiliowhatsapp"
	"github.com/BTreeMap/CarePulse/internal/userdata"
	"github.com/BTreeMap/CarePulse/internal/whatsapp"
)

// Default server configuration.
const (
	DefaultAddr     = ":8080"
	DefaultStateDir = "/var/lib/carepulse"
	// ChannelWhatsApp and ChannelTwilio select the messaging backend.
	ChannelWhatsApp = "whatsapp"
	ChannelTwilio   = "twilio"
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr              string
	StateDir          string
	Channel           string
	HeartbeatInterval time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the API server listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithStateDir sets the base directory for per-user documents.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// WithChannel selects the messaging backend ("whatsapp" or "twilio").
func WithChannel(channel string) Option {
	return func(o *Opts) { o.Channel = channel }
}

// WithHeartbeatInterval sets the schedule heartbeat interval.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(o *Opts) { o.HeartbeatInterval = interval }
}

// promptClient is the slice of the GenAI client the handlers use.
type promptClient interface {
	GeneratePrompt(systemPrompt, userPrompt string) (string, error)
	SessionCount() int
}

// Server holds the wired modules behind the HTTP handlers.
type Server struct {
	data       *userdata.Store
	manager    *scheduler.Manager
	msgService messaging.Service
	st         store.Store
	gaClient   promptClient
	twilioSvc  *messaging.TwilioService // non-nil only for the Twilio channel
	startTime  time.Time
}

// NewServer creates a Server over already-wired modules.
func NewServer(data *userdata.Store, manager *scheduler.Manager, msgService messaging.Service, st store.Store) *Server {
	return &Server{
		data:       data,
		manager:    manager,
		msgService: msgService,
		st:         st,
		startTime:  time.Now(),
	}
}

// routes registers all HTTP endpoints on the mux.
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/users", s.usersHandler)
	mux.HandleFunc("/users/{phone}", s.userHandler)
	mux.HandleFunc("/users/{phone}/symptoms", s.symptomsHandler)
	mux.HandleFunc("/users/{phone}/treatments", s.treatmentsHandler)
	mux.HandleFunc("/users/{phone}/messages", s.sendMessageHandler)
	mux.HandleFunc("/receipts", s.receiptsHandler)
	mux.HandleFunc("/messages", s.inboundMessagesHandler)
	mux.HandleFunc("/stats", s.statsHandler)
	mux.HandleFunc("/health", s.healthHandler)
	if s.twilioSvc != nil {
		mux.HandleFunc("/webhook/twilio", s.twilioSvc.TwilioWebhookHandler)
	}
}

// Run wires all modules from the given options and serves the API until the
// process receives an interrupt or termination signal.
func Run(waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	var cfg Opts
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	if cfg.Channel == "" {
		cfg.Channel = ChannelWhatsApp
	}

	data, err := userdata.New(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("failed to initialize user data store: %w", err)
	}

	st, err := store.NewStore(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize bookkeeping store: %w", err)
	}
	defer st.Close()

	var msgService messaging.Service
	var twilioSvc *messaging.TwilioService
	switch cfg.Channel {
	case ChannelTwilio:
		twilioClient, err := twiliowhatsapp.NewClient(twilioOpts...)
		if err != nil {
			return fmt.Errorf("failed to initialize Twilio client: %w", err)
		}
		twilioSvc = messaging.NewTwilioService(twilioClient)
		msgService = twilioSvc
	case ChannelWhatsApp:
		waClient, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return fmt.Errorf("failed to initialize WhatsApp client: %w", err)
		}
		msgService = messaging.NewWhatsAppService(waClient)
	default:
		return fmt.Errorf("unknown messaging channel %q", cfg.Channel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gaClient, err := genai.NewClient(genaiOpts...)
	if err != nil {
		slog.Warn("GenAI client unavailable, conversational replies disabled", "error", err)
		gaClient = nil
	} else {
		gaClient.StartSessionCleanup(ctx)
	}

	var managerOpts []scheduler.ManagerOption
	if cfg.HeartbeatInterval > 0 {
		managerOpts = append(managerOpts, scheduler.WithHeartbeatInterval(cfg.HeartbeatInterval))
	}
	manager := scheduler.NewManager(data, msgService, managerOpts...)

	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer msgService.Stop()

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start schedule manager: %w", err)
	}
	defer manager.Stop()

	// Drain delivery receipts into the bookkeeping store.
	go func() {
		for receipt := range msgService.Receipts() {
			if err := st.AddReceipt(receipt); err != nil {
				slog.Error("Failed to record receipt", "error", err, "to", receipt.To)
			}
		}
	}()

	var gen inbound.ReplyGenerator
	if gaClient != nil {
		gen = gaClient
	}
	processor := inbound.NewProcessor(manager, msgService, gen, extract.NewPatternExtractor(), st)
	processor.Start(ctx)

	server := NewServer(data, manager, msgService, st)
	if gaClient != nil {
		server.gaClient = gaClient
	}
	server.twilioSvc = twilioSvc

	mux := http.NewServeMux()
	server.routes(mux)
	httpServer := &http.Server{Addr: cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("CarePulse API listening", "addr", cfg.Addr, "channel", cfg.Channel)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case sig := <-sigCh:
		slog.Info("Shutting down on signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
		return err
	}
	return nil
}
