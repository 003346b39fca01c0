package identity

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeRepo struct {
	users         map[string]User
	refreshByHash map[string]RefreshToken
	createUserErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:         map[string]User{},
		refreshByHash: map[string]RefreshToken{},
	}
}

func (f *fakeRepo) EnsureSchema(ctx context.Context) error { return nil }

func (f *fakeRepo) CreateUser(ctx context.Context, user User) error {
	if f.createUserErr != nil {
		return f.createUserErr
	}
	for _, u := range f.users {
		if u.Email == user.Email {
			return errors.New("duplicate key value violates unique constraint")
		}
	}
	f.users[user.ID] = user
	return nil
}

func (f *fakeRepo) FindUserByEmail(ctx context.Context, email string) (User, error) {
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (f *fakeRepo) FindUserByID(ctx context.Context, userID string) (User, error) {
	u, ok := f.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (f *fakeRepo) CreateRefreshToken(ctx context.Context, token RefreshToken) error {
	f.refreshByHash[token.TokenHash] = token
	return nil
}

func (f *fakeRepo) FindRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshToken, error) {
	rt, ok := f.refreshByHash[tokenHash]
	if !ok || rt.RevokedAt != nil {
		return RefreshToken{}, ErrNotFound
	}
	return rt, nil
}

func (f *fakeRepo) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	for hash, rt := range f.refreshByHash {
		if rt.TokenID == tokenID {
			now := time.Now()
			rt.RevokedAt = &now
			f.refreshByHash[hash] = rt
		}
	}
	return nil
}

func newTestService(repo Repository) *Service {
	svc := NewService(repo, NewTokenManager("test-secret"))
	seq := 0
	svc.NewID = func() string {
		seq++
		return "id-" + string(rune('a'+seq))
	}
	return svc
}

func TestRegisterAndLogin(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	resp, err := svc.Register(ctx, "Alice@Example.com", "password123", "Alice")
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatalf("missing tokens: %+v", resp)
	}
	if resp.User.Email != "alice@example.com" {
		t.Fatalf("email not normalized: %+v", resp.User)
	}

	login, err := svc.Login(ctx, "alice@example.com", "password123")
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if login.User.ID != resp.User.ID {
		t.Fatalf("login user mismatch: %+v vs %+v", login.User, resp.User)
	}
}

func TestRegister_Validation(t *testing.T) {
	svc := newTestService(newFakeRepo())
	ctx := context.Background()

	if _, err := svc.Register(ctx, "not-an-email", "password123", "Alice"); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
	if _, err := svc.Register(ctx, "a@b.com", "short", "Alice"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
	if _, err := svc.Register(ctx, "a@b.com", "password123", "  "); !errors.Is(err, ErrInvalidDisplayName) {
		t.Fatalf("expected ErrInvalidDisplayName, got %v", err)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "a@b.com", "password123", "Alice"); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if _, err := svc.Login(ctx, "a@b.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody@b.com", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestRefresh_RotatesToken(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	reg, err := svc.Register(ctx, "a@b.com", "password123", "Alice")
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	refreshed, err := svc.Refresh(ctx, reg.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if refreshed.RefreshToken == reg.RefreshToken {
		t.Fatalf("refresh token was not rotated")
	}

	// The old token is revoked by rotation.
	if _, err := svc.Refresh(ctx, reg.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken for reused token, got %v", err)
	}
}

func TestLogout_RevokesToken(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	reg, err := svc.Register(ctx, "a@b.com", "password123", "Alice")
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if err := svc.Logout(ctx, reg.RefreshToken); err != nil {
		t.Fatalf("Logout returned error: %v", err)
	}
	if _, err := svc.Refresh(ctx, reg.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken after logout, got %v", err)
	}

	// Logging out an unknown token is a no-op, not an error.
	if err := svc.Logout(ctx, "unknown-token"); err != nil {
		t.Fatalf("Logout of unknown token returned error: %v", err)
	}
}
