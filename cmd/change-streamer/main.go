package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/nats-io/nats.go"
	"github.com/todo-sync/backend/internal/app/broadcast"
	"github.com/todo-sync/backend/internal/app/identity"
	platformauth "github.com/todo-sync/backend/internal/platform/auth"
	"github.com/todo-sync/backend/internal/platform/env"
	"github.com/todo-sync/backend/internal/platform/metrics"
	"github.com/todo-sync/backend/internal/platform/natsutil"
)

const writeTimeout = 5 * time.Second

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	streamerAddr := env.String("CHANGE_STREAMER_ADDR", env.DefaultStreamerAddr)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	originPattern := env.String("ALLOWED_ORIGIN", "*")
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	tokenManager := identity.NewTokenManager(jwtSecret)

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), env.Duration("NATS_CONNECT_TIMEOUT", 90*time.Second))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	registry := broadcast.NewRegistry(broadcast.JetStreamSubscriber(client.JS))
	defer registry.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if client.Conn == nil || client.Conn.Status() != nats.CONNECTED {
			http.Error(w, "nats is not connected", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.HandleFunc("/ws/changes", func(w http.ResponseWriter, r *http.Request) {
		serveChanges(w, r, tokenManager, registry, originPattern)
	})

	server := &http.Server{
		Addr:              streamerAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		// Keep ReadTimeout and WriteTimeout unset for long-lived sockets.
		IdleTimeout: 120 * time.Second,
	}

	fmt.Printf("Change streamer listening on %s\n", streamerAddr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal(err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("change-streamer graceful shutdown failed: %v", err)
	}
}

// serveChanges upgrades the request and pushes the owner's change events
// until the client goes away. The socket is write-only: reads are drained by
// CloseRead purely to observe disconnection.
func serveChanges(w http.ResponseWriter, r *http.Request, tokenManager platformauth.Manager, registry *broadcast.Registry, originPattern string) {
	token := platformauth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		http.Error(w, "token is required", http.StatusUnauthorized)
		return
	}
	claims, err := tokenManager.Parse(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return
	}

	events, detach, err := registry.Attach(claims.Subject, clientID)
	if err != nil {
		http.Error(w, "change subscription failed", http.StatusInternalServerError)
		return
	}
	defer detach()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{originPattern},
	})
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	connCtx := conn.CloseRead(r.Context())
	for {
		select {
		case <-connCtx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-events:
			payload, err := json.Marshal(event)
			if err != nil {
				log.Printf("marshal change event %s: %v", event.EventID, err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(connCtx, writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				_ = conn.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		}
	}
}
