package syncapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/todo-sync/backend/internal/app/identity"
	"github.com/todo-sync/backend/internal/app/todo"
	"github.com/todo-sync/backend/internal/contracts"
)

type memStore struct {
	mu   sync.Mutex
	recs map[string]contracts.TodoRecord
}

func newMemStore() *memStore {
	return &memStore{recs: map[string]contracts.TodoRecord{}}
}

func (m *memStore) Get(ctx context.Context, id string) (contracts.TodoRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return contracts.TodoRecord{}, todo.ErrRecordNotFound
	}
	return rec, nil
}

func (m *memStore) Put(ctx context.Context, rec contracts.TodoRecord, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, exists := m.recs[rec.ID]
	if expectedVersion == 0 {
		if exists {
			return todo.ErrVersionChanged
		}
	} else if !exists || current.Version != expectedVersion {
		return todo.ErrVersionChanged
	}
	m.recs[rec.ID] = rec
	return nil
}

func (m *memStore) ListUpdatedSince(ctx context.Context, ownerID string, since time.Time, excludeIDs []string) ([]contracts.TodoRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	excluded := map[string]bool{}
	for _, id := range excludeIDs {
		excluded[id] = true
	}
	var out []contracts.TodoRecord
	for _, rec := range m.recs {
		if rec.OwnerID == ownerID && rec.UpdatedAt.After(since) && !excluded[rec.ID] {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memStore) ListActive(ctx context.Context, ownerID string, opts todo.ListOptions) ([]contracts.TodoRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []contracts.TodoRecord
	for _, rec := range m.recs {
		if rec.OwnerID == ownerID && rec.DeletedAt == nil {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type memIdentityRepo struct {
	mu            sync.Mutex
	users         map[string]identity.User
	refreshByHash map[string]identity.RefreshToken
}

func newMemIdentityRepo() *memIdentityRepo {
	return &memIdentityRepo{
		users:         map[string]identity.User{},
		refreshByHash: map[string]identity.RefreshToken{},
	}
}

func (m *memIdentityRepo) EnsureSchema(ctx context.Context) error { return nil }

func (m *memIdentityRepo) CreateUser(ctx context.Context, user identity.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return errors.New("duplicate key value violates unique constraint")
		}
	}
	m.users[user.ID] = user
	return nil
}

func (m *memIdentityRepo) FindUserByEmail(ctx context.Context, email string) (identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return identity.User{}, identity.ErrNotFound
}

func (m *memIdentityRepo) FindUserByID(ctx context.Context, userID string) (identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return identity.User{}, identity.ErrNotFound
	}
	return u, nil
}

func (m *memIdentityRepo) CreateRefreshToken(ctx context.Context, token identity.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshByHash[token.TokenHash] = token
	return nil
}

func (m *memIdentityRepo) FindRefreshTokenByHash(ctx context.Context, tokenHash string) (identity.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.refreshByHash[tokenHash]
	if !ok || rt.RevokedAt != nil {
		return identity.RefreshToken{}, identity.ErrNotFound
	}
	return rt, nil
}

func (m *memIdentityRepo) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, rt := range m.refreshByHash {
		if rt.TokenID == tokenID {
			now := time.Now()
			rt.RevokedAt = &now
			m.refreshByHash[hash] = rt
		}
	}
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *memStore) {
	t.Helper()
	store := newMemStore()
	todos := todo.NewService(store, nil)
	identitySvc := identity.NewService(newMemIdentityRepo(), identity.NewTokenManager("test-secret"))
	handler := NewHandler(todos, identitySvc, "*")
	srv := httptest.NewServer(handler.Router())
	t.Cleanup(srv.Close)
	return srv, store
}

func registerUser(t *testing.T, srv *httptest.Server, email string) string {
	t.Helper()
	body, _ := json.Marshal(registerRequest{Email: email, Password: "password123", DisplayName: "Tester"})
	resp, err := http.Post(srv.URL+"/api/v1/auth/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("register request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	var auth identity.AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return auth.AccessToken
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, token string, payload any) *http.Response {
	t.Helper()
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ClientIDHeader, "device-test")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return out
}

func TestTodosRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/todos")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	resp2 := doJSON(t, srv, http.MethodGet, "/api/v1/todos", "not-a-real-token", nil)
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status with garbage token = %d, want 401", resp2.StatusCode)
	}
}

func TestCreateAndGetTodo(t *testing.T) {
	srv, _ := newTestServer(t)
	token := registerUser(t, srv, "a@b.com")

	resp := doJSON(t, srv, http.MethodPost, "/api/v1/todos", token, createTodoRequest{Text: "buy milk"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := decodeBody[contracts.TodoRecord](t, resp)
	if created.Version != 1 || created.Text != "buy milk" {
		t.Fatalf("unexpected created record: %+v", created)
	}

	getResp := doJSON(t, srv, http.MethodGet, "/api/v1/todos/"+created.ID, token, nil)
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", getResp.StatusCode)
	}
	fetched := decodeBody[contracts.TodoRecord](t, getResp)
	if fetched.ID != created.ID {
		t.Fatalf("fetched wrong record: %+v", fetched)
	}
}

func TestUpdateStaleVersionReturns409WithServerRecord(t *testing.T) {
	srv, _ := newTestServer(t)
	token := registerUser(t, srv, "a@b.com")

	resp := doJSON(t, srv, http.MethodPost, "/api/v1/todos", token, createTodoRequest{Text: "original"})
	created := decodeBody[contracts.TodoRecord](t, resp)

	newText := "first edit"
	ok := doJSON(t, srv, http.MethodPatch, "/api/v1/todos/"+created.ID, token, updateTodoRequest{Text: &newText, Version: 1})
	if ok.StatusCode != http.StatusOK {
		t.Fatalf("first update status = %d", ok.StatusCode)
	}
	ok.Body.Close()

	stale := "second edit from stale device"
	conflictResp := doJSON(t, srv, http.MethodPatch, "/api/v1/todos/"+created.ID, token, updateTodoRequest{Text: &stale, Version: 1})
	if conflictResp.StatusCode != http.StatusConflict {
		t.Fatalf("stale update status = %d, want 409", conflictResp.StatusCode)
	}
	body := decodeBody[map[string]json.RawMessage](t, conflictResp)
	var server contracts.TodoRecord
	if err := json.Unmarshal(body["server_record"], &server); err != nil {
		t.Fatalf("conflict body missing server_record: %v", err)
	}
	if server.Text != "first edit" || server.Version != 2 {
		t.Fatalf("server_record is not authoritative state: %+v", server)
	}
}

func TestOtherOwnersRecordIsForbidden(t *testing.T) {
	srv, _ := newTestServer(t)
	tokenA := registerUser(t, srv, "a@b.com")
	tokenB := registerUser(t, srv, "b@b.com")

	resp := doJSON(t, srv, http.MethodPost, "/api/v1/todos", tokenA, createTodoRequest{Text: "private"})
	created := decodeBody[contracts.TodoRecord](t, resp)

	getResp := doJSON(t, srv, http.MethodGet, "/api/v1/todos/"+created.ID, tokenB, nil)
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-owner get status = %d, want 403", getResp.StatusCode)
	}

	text := "hijacked"
	patchResp := doJSON(t, srv, http.MethodPatch, "/api/v1/todos/"+created.ID, tokenB, updateTodoRequest{Text: &text, Version: 1})
	patchResp.Body.Close()
	if patchResp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-owner patch status = %d, want 403", patchResp.StatusCode)
	}
}

func TestDeleteRequiresVersionAndRestoreRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	token := registerUser(t, srv, "a@b.com")

	resp := doJSON(t, srv, http.MethodPost, "/api/v1/todos", token, createTodoRequest{Text: "ephemeral"})
	created := decodeBody[contracts.TodoRecord](t, resp)

	noVersion := doJSON(t, srv, http.MethodDelete, "/api/v1/todos/"+created.ID, token, nil)
	noVersion.Body.Close()
	if noVersion.StatusCode != http.StatusBadRequest {
		t.Fatalf("delete without version status = %d, want 400", noVersion.StatusCode)
	}

	del := doJSON(t, srv, http.MethodDelete, fmt.Sprintf("/api/v1/todos/%s?version=1", created.ID), token, nil)
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", del.StatusCode)
	}

	gone := doJSON(t, srv, http.MethodGet, "/api/v1/todos/"+created.ID, token, nil)
	gone.Body.Close()
	if gone.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", gone.StatusCode)
	}

	restore := doJSON(t, srv, http.MethodPost, "/api/v1/todos/"+created.ID+"/restore", token, versionRequest{Version: 2})
	if restore.StatusCode != http.StatusOK {
		t.Fatalf("restore status = %d", restore.StatusCode)
	}
	restored := decodeBody[contracts.TodoRecord](t, restore)
	if restored.DeletedAt != nil || restored.Version != 3 {
		t.Fatalf("restore did not revive record: %+v", restored)
	}
}

func TestSyncEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	token := registerUser(t, srv, "a@b.com")

	text := "from device X"
	resp := doJSON(t, srv, http.MethodPost, "/api/v1/todos/sync", token, syncRequest{
		Todos:    []todo.Change{{Text: &text}},
		LastSync: time.Time{},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync status = %d", resp.StatusCode)
	}
	result := decodeBody[todo.SyncResult](t, resp)
	if len(result.Applied) != 1 {
		t.Fatalf("applied = %v, want one id", result.Applied)
	}
	if result.SyncTimestamp.IsZero() {
		t.Fatalf("sync_timestamp missing")
	}

	// A second device syncing from the zero watermark sees the change.
	resp2 := doJSON(t, srv, http.MethodPost, "/api/v1/todos/sync", token, syncRequest{LastSync: time.Time{}})
	result2 := decodeBody[todo.SyncResult](t, resp2)
	if len(result2.ServerChanges) != 1 || result2.ServerChanges[0].Text != "from device X" {
		t.Fatalf("server_changes = %+v", result2.ServerChanges)
	}

	// Syncing from the returned watermark yields nothing new.
	resp3 := doJSON(t, srv, http.MethodPost, "/api/v1/todos/sync", token, syncRequest{LastSync: result2.SyncTimestamp})
	result3 := decodeBody[todo.SyncResult](t, resp3)
	if len(result3.ServerChanges) != 0 {
		t.Fatalf("expected empty server_changes, got %+v", result3.ServerChanges)
	}
}

func TestSyncBatchTooLarge(t *testing.T) {
	srv, _ := newTestServer(t)
	token := registerUser(t, srv, "a@b.com")

	batch := make([]todo.Change, todo.DefaultMaxBatch+1)
	for i := range batch {
		text := fmt.Sprintf("item %d", i)
		batch[i] = todo.Change{Text: &text}
	}
	resp := doJSON(t, srv, http.MethodPost, "/api/v1/todos/sync", token, syncRequest{Todos: batch})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized batch status = %d, want 400", resp.StatusCode)
	}
}

func TestBulkCreate(t *testing.T) {
	srv, _ := newTestServer(t)
	token := registerUser(t, srv, "a@b.com")

	resp := doJSON(t, srv, http.MethodPost, "/api/v1/todos/bulk", token, []createTodoRequest{
		{Text: "one"}, {Text: "two"}, {Text: "three"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("bulk status = %d", resp.StatusCode)
	}
	created := decodeBody[[]contracts.TodoRecord](t, resp)
	if len(created) != 3 {
		t.Fatalf("bulk created %d records, want 3", len(created))
	}

	list := doJSON(t, srv, http.MethodGet, "/api/v1/todos", token, nil)
	records := decodeBody[[]contracts.TodoRecord](t, list)
	if len(records) != 3 {
		t.Fatalf("list returned %d records, want 3", len(records))
	}
}

func TestBulkCreateRejectsWholeBatchOnInvalidItem(t *testing.T) {
	srv, _ := newTestServer(t)
	token := registerUser(t, srv, "a@b.com")

	resp := doJSON(t, srv, http.MethodPost, "/api/v1/todos/bulk", token, []createTodoRequest{
		{Text: "one"}, {Text: ""}, {Text: "three"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bulk status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	// The valid items before the bad one must not have been committed.
	list := doJSON(t, srv, http.MethodGet, "/api/v1/todos", token, nil)
	records := decodeBody[[]contracts.TodoRecord](t, list)
	if len(records) != 0 {
		t.Fatalf("list returned %d records after rejected bulk, want 0", len(records))
	}
}
