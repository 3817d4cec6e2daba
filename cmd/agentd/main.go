// Command agentd runs the BizLink realtime agent: it holds the websocket
// session for an authenticated marketplace user, routes inbound updates,
// raises notification side effects, and replays the offline outbox on
// reconnect. The agent owns all process-lifecycle wiring (foreground state,
// shutdown presence) so the realtime service itself stays free of it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/bizlink/bizlink-realtime/internal/alerts"
	"github.com/bizlink/bizlink-realtime/internal/auth"
	"github.com/bizlink/bizlink-realtime/internal/chat"
	"github.com/bizlink/bizlink-realtime/internal/config"
	"github.com/bizlink/bizlink-realtime/internal/history"
	"github.com/bizlink/bizlink-realtime/internal/outbox"
	"github.com/bizlink/bizlink-realtime/internal/pkg/logger"
	"github.com/bizlink/bizlink-realtime/internal/realtime"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "agentd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.LogLevel)
	log.Info("bizlink realtime agent starting", "ws", cfg.WebSocketURL, "port", cfg.ListenPort)

	token := os.Getenv("BIZLINK_TOKEN")
	if token == "" {
		return fmt.Errorf("BIZLINK_TOKEN is required")
	}
	identity, err := auth.Identity(token)
	if err != nil {
		return fmt.Errorf("invalid session token: %w", err)
	}
	log.Info("session identity", "user", identity.UserID, "role", identity.Role)

	box, err := outbox.Open(cfg.DatabasePath, cfg.OutboxFlushPerSec, log)
	if err != nil {
		return err
	}
	defer box.Close()

	focus := alerts.NewFocusTracker()
	var notifier alerts.Notifier = &alerts.LogNotifier{Log: log}
	if cfg.NotifyCommand != "" {
		notifier = &alerts.CommandNotifier{Command: cfg.NotifyCommand}
	}
	effects := alerts.New(notifier, alerts.NopSound{}, focus, func(title, message string, sev realtime.Severity) {
		log.Warn("SYSTEM ALERT", "title", title, "message", message, "severity", sev)
	}, log)

	svc := realtime.New(realtime.Options{
		URL:                  cfg.WebSocketURL,
		MaxReconnectAttempts: cfg.ReconnectMaxAttempts,
		ReconnectInterval:    cfg.ReconnectInterval(),
		Effects:              effects,
		Logger:               log,
	})

	// Drain the offline outbox every time the transport (re)opens.
	svc.OnConnectionChange(func(ev realtime.ConnEvent) {
		if ev != realtime.ConnOpen {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := box.Flush(ctx, func(msgType string, payload json.RawMessage) bool {
				return svc.Send(msgType, payload)
			}); err != nil {
				log.Warn("outbox flush interrupted", "err", err)
			}
		}()
	})

	// Log-only consumers for the server-pushed update streams; feature code
	// registers its own subscribers on top of these.
	for _, t := range []string{realtime.TypeLeadUpdate, realtime.TypeOrderUpdate, realtime.TypeAnalyticsUpdate} {
		msgType := t
		svc.Subscribe(msgType, func(data json.RawMessage, _ realtime.Envelope) {
			log.Info("update received", "type", msgType, "bytes", len(data))
		})
	}

	rest, err := history.New(cfg.APIBaseURL, func() string { return token }, cfg.ProfileCacheSize, log)
	if err != nil {
		return err
	}

	// Track active conversations from the shared connection. Counterpart names
	// come from the profile cache; a failed lookup just leaves the id.
	convs := chat.NewConversationList()
	svc.Subscribe(realtime.TypeChatMessage, func(data json.RawMessage, _ realtime.Envelope) {
		var msg realtime.InboundChatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if _, ok := convs.Get(msg.SenderID); !ok {
			name := msg.SenderName
			if name == "" {
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				if p, perr := rest.Profile(ctx, msg.SenderID); perr == nil {
					name = p.Name
				} else {
					name = msg.SenderID
				}
				cancel()
			}
			convs.Upsert(chat.Conversation{ID: msg.SenderID, CounterpartName: name})
		}
		convs.RecordInbound(msg.SenderID, time.Now())
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Connect(ctx, identity.UserID, identity.Role, token); err != nil {
		// The reconnect loop only runs after a first successful connect, so a
		// failed initial dial is fatal here.
		return fmt.Errorf("initial connect: %w", err)
	}
	svc.SubscribeToLeadUpdates()
	svc.SubscribeToOrderUpdates()
	svc.SubscribeToAnalytics()

	httpSrv := operationalServer(cfg, svc, convs)
	go func() {
		log.Info("operational listener started", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("operational listener failed", "err", err)
		}
	}()

	// SIGUSR1/SIGUSR2 stand in for the background/foreground transitions a
	// windowed client would get from its environment.
	lifecycle := make(chan os.Signal, 1)
	signal.Notify(lifecycle, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range lifecycle {
			switch sig {
			case syscall.SIGUSR1:
				focus.SetForeground(false)
				svc.UpdateUserStatus(realtime.PresenceAway)
			case syscall.SIGUSR2:
				focus.SetForeground(true)
				svc.UpdateUserStatus(realtime.PresenceOnline)
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	svc.UpdateUserStatus(realtime.PresenceOffline)
	svc.Disconnect()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("operational listener shutdown", "err", err)
	}
	return nil
}

func operationalServer(cfg *config.Config, svc *realtime.Service, convs *chat.ConversationList) *http.Server {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := map[string]any{"status": "ok", "connected": svc.IsConnected()}
		json.NewEncoder(w).Encode(status)
	}).Methods(http.MethodGet)
	router.HandleFunc("/conversations", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"conversations": convs.List(),
			"totalUnread":   convs.TotalUnread(),
		})
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	}).Handler(router)

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ListenPort),
		Handler: handler,
	}
}
