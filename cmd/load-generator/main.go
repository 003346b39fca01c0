package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/todo-sync/backend/internal/platform/env"
	"github.com/todo-sync/backend/internal/platform/metrics"
)

type config struct {
	SyncAPIBase       string
	StreamerBase      string
	Users             int
	DevicesPerUser    int
	SetupConcurrency  int
	StartupWait       time.Duration
	Duration          time.Duration
	RampUp            time.Duration
	SyncInterval      time.Duration
	MutationsPerSync  int
	RequestTimeout    time.Duration
	MetricsAddr       string
	Password          string
	EnableWebSocket   bool
	StaleWritePercent int
}

type authResponse struct {
	AccessToken string `json:"access_token"`
}

type todoRecord struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Completed bool      `json:"completed"`
	Version   int64     `json:"version"`
	DeletedAt *string   `json:"deleted_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type syncChange struct {
	ID        string  `json:"id,omitempty"`
	Text      *string `json:"text,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
	Deleted   *bool   `json:"deleted,omitempty"`
	Version   int64   `json:"version,omitempty"`
	ClientID  string  `json:"client_id,omitempty"`
}

type syncPayload struct {
	Todos    []syncChange `json:"todos"`
	LastSync time.Time    `json:"last_sync"`
}

type syncOutcome struct {
	ServerChanges []todoRecord `json:"server_changes"`
	Applied       []string     `json:"applied"`
	Conflicts     []struct {
		ID           string     `json:"id"`
		ServerRecord todoRecord `json:"server_record"`
	} `json:"conflicts"`
	SyncTimestamp time.Time `json:"sync_timestamp"`
}

// device is one synthetic client of a user. Each device keeps its own
// replica and watermark so stale concurrent writes arise naturally.
type device struct {
	ClientID string
	LastSync time.Time

	mu    sync.Mutex
	todos map[string]todoRecord
}

type simulatedUser struct {
	Index       int
	Email       string
	Password    string
	AccessToken string
	Devices     []*device
}

type runner struct {
	cfg    config
	runID  string
	client *http.Client

	requestsSuccess atomic.Int64
	requestsError   atomic.Int64
	conflictsSeen   atomic.Int64
	activeDevices   atomic.Int64
}

var (
	requestsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "loadgen_requests_total",
		Help: "Total HTTP requests sent by the load generator.",
	}, []string{"endpoint", "status", "outcome"})

	syncItemsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "loadgen_sync_items_total",
		Help: "Sync batch items by outcome.",
	}, []string{"outcome"})

	activeDevicesGauge = metrics.NewGauge(metrics.Opts{
		Name: "loadgen_active_devices",
		Help: "Synthetic devices currently running sync loops.",
	})

	wsConnectedGauge = metrics.NewGauge(metrics.Opts{
		Name: "loadgen_ws_connected_devices",
		Help: "Devices with a live change-stream websocket.",
	})
)

func init() {
	metrics.Default.MustRegister(requestsTotal, syncItemsTotal, activeDevicesGauge, wsConnectedGauge)
}

func main() {
	cfg := loadConfig()
	if cfg.Users <= 0 {
		log.Fatal("LOADGEN_USERS must be > 0")
	}
	if cfg.DevicesPerUser <= 0 {
		log.Fatal("LOADGEN_DEVICES_PER_USER must be > 0")
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx := baseCtx
	if cfg.Duration > 0 {
		timeoutCtx, cancel := context.WithTimeout(baseCtx, cfg.Duration)
		defer cancel()
		ctx = timeoutCtx
	}

	go runMetricsServer(cfg.MetricsAddr)

	r := &runner{
		cfg:   cfg,
		runID: strconv.FormatInt(time.Now().UTC().UnixNano(), 10),
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Users * cfg.DevicesPerUser * 2,
				MaxIdleConnsPerHost: cfg.Users * cfg.DevicesPerUser * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}

	if err := r.waitForReadiness(ctx); err != nil {
		log.Fatalf("dependency readiness failed: %v", err)
	}

	users := r.setupUsers(ctx)
	if len(users) == 0 {
		log.Fatal("failed to initialize any users")
	}
	log.Printf("load generator initialized: users=%d devices_per_user=%d duration=%s ws=%v",
		len(users), cfg.DevicesPerUser, cfg.Duration.String(), cfg.EnableWebSocket)

	go r.logProgress(ctx)

	var wg sync.WaitGroup
	for _, user := range users {
		for _, dev := range user.Devices {
			wg.Add(1)
			go func(u *simulatedUser, d *device) {
				defer wg.Done()
				r.runDevice(ctx, u, d)
			}(user, dev)
		}
	}

	<-ctx.Done()
	wg.Wait()

	log.Printf("load test complete: success_requests=%d error_requests=%d conflicts=%d",
		r.requestsSuccess.Load(), r.requestsError.Load(), r.conflictsSeen.Load())
}

func loadConfig() config {
	return config{
		SyncAPIBase:       trimRightSlash(env.String("LOADGEN_SYNC_API_BASE", "http://sync-api:8080")),
		StreamerBase:      trimRightSlash(env.String("LOADGEN_STREAMER_BASE", "http://change-streamer:8081")),
		Users:             env.Int("LOADGEN_USERS", 100),
		DevicesPerUser:    env.Int("LOADGEN_DEVICES_PER_USER", 3),
		SetupConcurrency:  env.Int("LOADGEN_SETUP_CONCURRENCY", 25),
		StartupWait:       env.Duration("LOADGEN_STARTUP_WAIT", 2*time.Minute),
		Duration:          env.Duration("LOADGEN_DURATION", 10*time.Minute),
		RampUp:            env.Duration("LOADGEN_RAMP_UP", 30*time.Second),
		SyncInterval:      env.Duration("LOADGEN_SYNC_INTERVAL", 3*time.Second),
		MutationsPerSync:  env.Int("LOADGEN_MUTATIONS_PER_SYNC", 2),
		RequestTimeout:    env.Duration("LOADGEN_REQUEST_TIMEOUT", 10*time.Second),
		MetricsAddr:       env.String("LOADGEN_METRICS_ADDR", ":9099"),
		Password:          env.String("LOADGEN_PASSWORD", "load-test-pass-123"),
		EnableWebSocket:   env.Int("LOADGEN_ENABLE_WS", 1) == 1,
		StaleWritePercent: env.Int("LOADGEN_STALE_WRITE_PERCENT", 10),
	}
}

func (r *runner) waitForReadiness(ctx context.Context) error {
	wait := r.cfg.StartupWait
	if wait <= 0 {
		wait = 2 * time.Minute
	}
	if err := r.waitForHTTPStatus(ctx, r.cfg.SyncAPIBase+"/readyz", http.StatusOK, wait); err != nil {
		return fmt.Errorf("sync-api not ready: %w", err)
	}
	if r.cfg.EnableWebSocket {
		if err := r.waitForHTTPStatus(ctx, r.cfg.StreamerBase+"/readyz", http.StatusOK, wait); err != nil {
			return fmt.Errorf("change-streamer not ready: %w", err)
		}
	}
	return nil
}

func (r *runner) waitForHTTPStatus(ctx context.Context, requestURL string, expectedStatus int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			lastErr = err
			time.Sleep(1200 * time.Millisecond)
			continue
		}
		resp, err := r.client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(1200 * time.Millisecond)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode == expectedStatus {
			return nil
		}
		lastErr = fmt.Errorf("status=%d", resp.StatusCode)
		time.Sleep(1200 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout")
	}
	return lastErr
}

func (r *runner) setupUsers(ctx context.Context) []*simulatedUser {
	type setupResult struct {
		user *simulatedUser
		err  error
	}

	sem := make(chan struct{}, r.cfg.SetupConcurrency)
	results := make(chan setupResult, r.cfg.Users)
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Users; i++ {
		idx := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			user, err := r.setupSingleUser(ctx, idx)
			results <- setupResult{user: user, err: err}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	users := make([]*simulatedUser, 0, r.cfg.Users)
	failures := 0
	for result := range results {
		if result.err != nil {
			failures++
			log.Printf("user setup failed: %v", result.err)
			continue
		}
		users = append(users, result.user)
	}
	log.Printf("user setup complete: success=%d failed=%d", len(users), failures)
	return users
}

func (r *runner) setupSingleUser(ctx context.Context, idx int) (*simulatedUser, error) {
	user := &simulatedUser{
		Index:    idx,
		Email:    fmt.Sprintf("load-%s-%04d@example.com", r.runID, idx),
		Password: r.cfg.Password,
	}

	var auth authResponse
	status, err := r.requestJSON(ctx, "register", r.cfg.SyncAPIBase+"/api/v1/auth/register", "", "", map[string]string{
		"email":        user.Email,
		"password":     user.Password,
		"display_name": fmt.Sprintf("Load User %d", idx),
	}, &auth, http.StatusCreated, http.StatusConflict)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", user.Email, err)
	}
	if status == http.StatusConflict {
		auth = authResponse{}
		if _, err := r.requestJSON(ctx, "login", r.cfg.SyncAPIBase+"/api/v1/auth/login", "", "", map[string]string{
			"email":    user.Email,
			"password": user.Password,
		}, &auth, http.StatusOK); err != nil {
			return nil, fmt.Errorf("login %s: %w", user.Email, err)
		}
	}
	if strings.TrimSpace(auth.AccessToken) == "" {
		return nil, fmt.Errorf("empty access token for %s", user.Email)
	}
	user.AccessToken = auth.AccessToken

	for d := 0; d < r.cfg.DevicesPerUser; d++ {
		user.Devices = append(user.Devices, &device{
			ClientID: fmt.Sprintf("device-%s-%04d-%d", r.runID, idx, d),
			todos:    map[string]todoRecord{},
		})
	}
	return user, nil
}

func (r *runner) runDevice(ctx context.Context, user *simulatedUser, dev *device) {
	if r.cfg.RampUp > 0 {
		total := r.cfg.Users * r.cfg.DevicesPerUser
		delay := time.Duration(float64(r.cfg.RampUp) / float64(total) * float64(user.Index*r.cfg.DevicesPerUser))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	if r.cfg.EnableWebSocket {
		go r.runWebSocketLoop(ctx, user, dev)
	}

	activeDevicesGauge.Inc()
	r.activeDevices.Add(1)
	defer activeDevicesGauge.Dec()
	defer r.activeDevices.Add(-1)

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(user.Index*31+len(dev.ClientID))))
	interval := r.cfg.SyncInterval
	jitter := time.Duration(rng.Int63n(int64(interval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runSync(ctx, user, dev, rng)
		}
	}
}

// runSync builds a small mutation batch against the device's replica, posts
// it, then folds the server response back into the replica.
func (r *runner) runSync(ctx context.Context, user *simulatedUser, dev *device, rng *rand.Rand) {
	batch := dev.buildBatch(rng, r.cfg.MutationsPerSync, r.cfg.StaleWritePercent)

	var outcome syncOutcome
	_, err := r.requestJSON(ctx, "sync", r.cfg.SyncAPIBase+"/api/v1/todos/sync", user.AccessToken, dev.ClientID, syncPayload{
		Todos:    batch,
		LastSync: dev.LastSync,
	}, &outcome, http.StatusOK)
	if err != nil {
		syncItemsTotal.WithLabelValues("request_error").Inc()
		return
	}

	syncItemsTotal.WithLabelValues("applied").Add(float64(len(outcome.Applied)))
	syncItemsTotal.WithLabelValues("conflict").Add(float64(len(outcome.Conflicts)))
	r.conflictsSeen.Add(int64(len(outcome.Conflicts)))

	dev.mu.Lock()
	for _, rec := range outcome.ServerChanges {
		if rec.DeletedAt != nil {
			delete(dev.todos, rec.ID)
			continue
		}
		dev.todos[rec.ID] = rec
	}
	// Conflicted items adopt the authoritative server state.
	for _, conflict := range outcome.Conflicts {
		if conflict.ServerRecord.DeletedAt != nil {
			delete(dev.todos, conflict.ID)
			continue
		}
		dev.todos[conflict.ID] = conflict.ServerRecord
	}
	dev.LastSync = outcome.SyncTimestamp
	dev.mu.Unlock()
}

// buildBatch mutates the local replica and returns the corresponding sync
// changes. A configurable slice of updates is sent with a stale version on
// purpose so the conflict path stays exercised under load.
func (d *device) buildBatch(rng *rand.Rand, mutations, stalePercent int) []syncChange {
	d.mu.Lock()
	defer d.mu.Unlock()

	batch := make([]syncChange, 0, mutations)
	for i := 0; i < mutations; i++ {
		ids := make([]string, 0, len(d.todos))
		for id := range d.todos {
			ids = append(ids, id)
		}

		choice := rng.Float64()
		switch {
		case len(ids) == 0 || choice < 0.5:
			text := fmt.Sprintf("load todo %d", rng.Intn(1_000_000))
			batch = append(batch, syncChange{Text: &text, ClientID: d.ClientID})
		case choice < 0.85:
			rec := d.todos[ids[rng.Intn(len(ids))]]
			version := rec.Version
			if stalePercent > 0 && rng.Intn(100) < stalePercent && version > 1 {
				version--
			}
			text := fmt.Sprintf("edited todo %d", rng.Intn(1_000_000))
			completed := rng.Intn(2) == 0
			batch = append(batch, syncChange{
				ID:        rec.ID,
				Text:      &text,
				Completed: &completed,
				Version:   version,
				ClientID:  d.ClientID,
			})
		default:
			rec := d.todos[ids[rng.Intn(len(ids))]]
			deleted := true
			batch = append(batch, syncChange{
				ID:       rec.ID,
				Deleted:  &deleted,
				Version:  rec.Version,
				ClientID: d.ClientID,
			})
			delete(d.todos, rec.ID)
		}
	}
	return batch
}

func (r *runner) runWebSocketLoop(ctx context.Context, user *simulatedUser, dev *device) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := r.connectAndReadWS(ctx, user, dev)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("ws reconnect device=%s err=%v", dev.ClientID, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(1200 * time.Millisecond):
		}
	}
}

func (r *runner) connectAndReadWS(ctx context.Context, user *simulatedUser, dev *device) error {
	wsURL := strings.Replace(r.cfg.StreamerBase, "http", "ws", 1) +
		"/ws/changes?client_id=" + url.QueryEscape(dev.ClientID) +
		"&token=" + url.QueryEscape(user.AccessToken)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		requestsTotal.WithLabelValues("ws_changes", "0", "error").Inc()
		r.requestsError.Add(1)
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	requestsTotal.WithLabelValues("ws_changes", "101", "success").Inc()
	r.requestsSuccess.Add(1)
	wsConnectedGauge.Inc()
	defer wsConnectedGauge.Dec()

	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}
	}
}

func (r *runner) requestJSON(
	ctx context.Context,
	endpoint, requestURL, bearerToken, clientID string,
	payload any,
	out any,
	expectedStatuses ...int,
) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	if clientID != "" {
		req.Header.Set("X-Client-ID", clientID)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, "0", "error").Inc()
		r.requestsError.Add(1)
		return 0, err
	}
	defer resp.Body.Close()

	responseBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode), "error").Inc()
		r.requestsError.Add(1)
		return resp.StatusCode, readErr
	}

	statusText := strconv.Itoa(resp.StatusCode)
	if isExpectedStatus(resp.StatusCode, expectedStatuses) {
		requestsTotal.WithLabelValues(endpoint, statusText, "success").Inc()
		r.requestsSuccess.Add(1)
		if out != nil && len(responseBody) > 0 {
			if err := json.Unmarshal(responseBody, out); err != nil {
				return resp.StatusCode, err
			}
		}
		return resp.StatusCode, nil
	}

	requestsTotal.WithLabelValues(endpoint, statusText, "error").Inc()
	r.requestsError.Add(1)
	return resp.StatusCode, fmt.Errorf("unexpected status=%d body=%s", resp.StatusCode, truncate(string(responseBody), 240))
}

func (r *runner) logProgress(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("progress: success_requests=%d error_requests=%d conflicts=%d active_devices=%d",
				r.requestsSuccess.Load(),
				r.requestsError.Load(),
				r.conflictsSeen.Load(),
				r.activeDevices.Load(),
			)
		}
	}
}

func runMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.DefaultHandler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("load generator metrics endpoint listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("load generator metrics server failed: %v", err)
	}
}

func trimRightSlash(v string) string {
	return strings.TrimRight(strings.TrimSpace(v), "/")
}

func isExpectedStatus(status int, expected []int) bool {
	for _, candidate := range expected {
		if status == candidate {
			return true
		}
	}
	return false
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max] + "..."
}
