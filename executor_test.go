package crowdmix

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeBackend is an Executor transport scripted per token.
type fakeBackend struct {
	mu       sync.Mutex
	refresh  func(refreshToken string) (Credentials, int)
	handle   func(method, path, token string) ([]byte, int)
	requests []string
	refreshN atomic.Int32
}

func (f *fakeBackend) transport(ctx context.Context, method, path, token string, body any, query map[string]string) ([]byte, int, error) {
	f.mu.Lock()
	f.requests = append(f.requests, method+" "+path)
	f.mu.Unlock()

	if path == "/auth/refresh" {
		f.refreshN.Add(1)
		var req map[string]string
		b, _ := json.Marshal(body)
		_ = json.Unmarshal(b, &req)
		creds, status := f.refresh(req["refreshToken"])
		if status >= 400 {
			return []byte(`{}`), status, nil
		}
		data, _ := json.Marshal(creds)
		return data, status, nil
	}
	data, status := f.handle(method, path, token)
	return data, status, nil
}

func newTestExecutor(backend *fakeBackend, creds Credentials) (*Executor, *MemoryCredentialStore, *SessionBus) {
	store := NewMemoryCredentialStore()
	_ = store.Store(context.Background(), creds)
	bus := NewSessionBus()
	return &Executor{
		transport:  backend.transport,
		creds:      store,
		bus:        bus,
		maxRetries: 1,
		log:        zerolog.Nop(),
	}, store, bus
}

// ============================================================================
// Refresh and retry
// ============================================================================

func TestExecutorRefreshesAndRetriesOn401(t *testing.T) {
	backend := &fakeBackend{
		refresh: func(rt string) (Credentials, int) {
			require.Equal(t, "refresh-1", rt)
			return Credentials{AccessToken: "access-2", RefreshToken: "refresh-2"}, http.StatusOK
		},
		handle: func(method, path, token string) ([]byte, int) {
			if token == "access-1" {
				return nil, http.StatusUnauthorized
			}
			return []byte(`{"ok":true}`), http.StatusOK
		},
	}
	exec, store, bus := newTestExecutor(backend, Credentials{AccessToken: "access-1", RefreshToken: "refresh-1"})
	events, cancel := bus.Subscribe()
	defer cancel()

	data, status, err := exec.Do(context.Background(), http.MethodGet, "/events", nil, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"ok":true}`, string(data))
	require.Equal(t, int32(1), backend.refreshN.Load())

	creds, _ := store.Credentials(context.Background())
	require.Equal(t, "access-2", creds.AccessToken)
	requireNoEvent(t, events)
}

func TestExecutorKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	backend := &fakeBackend{
		refresh: func(rt string) (Credentials, int) {
			return Credentials{AccessToken: "access-2"}, http.StatusOK
		},
		handle: func(method, path, token string) ([]byte, int) {
			if token == "access-1" {
				return nil, http.StatusUnauthorized
			}
			return []byte(`{}`), http.StatusOK
		},
	}
	exec, store, _ := newTestExecutor(backend, Credentials{AccessToken: "access-1", RefreshToken: "refresh-1"})

	_, _, err := exec.Do(context.Background(), http.MethodGet, "/events", nil, nil)
	require.NoError(t, err)
	creds, _ := store.Credentials(context.Background())
	require.Equal(t, "refresh-1", creds.RefreshToken)
}

// ============================================================================
// Expiry
// ============================================================================

func TestExecutorExpiresSessionWhenRefreshRejected(t *testing.T) {
	backend := &fakeBackend{
		refresh: func(rt string) (Credentials, int) {
			return Credentials{}, http.StatusUnauthorized
		},
		handle: func(method, path, token string) ([]byte, int) {
			return nil, http.StatusUnauthorized
		},
	}
	exec, store, bus := newTestExecutor(backend, Credentials{AccessToken: "access-1", RefreshToken: "refresh-1"})
	events, cancel := bus.Subscribe()
	defer cancel()

	_, _, err := exec.Do(context.Background(), http.MethodGet, "/events", nil, nil)
	require.ErrorIs(t, err, ErrSessionExpired)
	require.Equal(t, int32(1), backend.refreshN.Load())
	require.Equal(t, SessionExpired, drainOne(t, events))
	requireNoEvent(t, events)

	creds, _ := store.Credentials(context.Background())
	require.True(t, creds.Empty())
}

func TestExecutorAnonymousUnauthorizedDoesNotBroadcast(t *testing.T) {
	backend := &fakeBackend{
		handle: func(method, path, token string) ([]byte, int) {
			return nil, http.StatusUnauthorized
		},
	}
	exec, _, bus := newTestExecutor(backend, Credentials{})
	events, cancel := bus.Subscribe()
	defer cancel()

	_, _, err := exec.Do(context.Background(), http.MethodGet, "/users/me", nil, nil)
	require.ErrorIs(t, err, ErrSessionExpired)
	requireNoEvent(t, events)
}

func TestExecutorTransientRefreshFailureDoesNotLogout(t *testing.T) {
	backend := &fakeBackend{
		refresh: func(rt string) (Credentials, int) {
			return Credentials{}, http.StatusInternalServerError
		},
		handle: func(method, path, token string) ([]byte, int) {
			return nil, http.StatusUnauthorized
		},
	}
	exec, store, bus := newTestExecutor(backend, Credentials{AccessToken: "access-1", RefreshToken: "refresh-1"})
	events, cancel := bus.Subscribe()
	defer cancel()

	_, _, err := exec.Do(context.Background(), http.MethodGet, "/events", nil, nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrSessionExpired)
	requireNoEvent(t, events)

	// Credentials survive; the session may still be good.
	creds, _ := store.Credentials(context.Background())
	require.Equal(t, "access-1", creds.AccessToken)
}

// ============================================================================
// Passthrough and concurrency
// ============================================================================

func TestExecutorPassesThroughNonAuthStatuses(t *testing.T) {
	backend := &fakeBackend{
		handle: func(method, path, token string) ([]byte, int) {
			return []byte(`{"error":{"code":"teapot","message":"no"}}`), http.StatusTeapot
		},
	}
	exec, _, _ := newTestExecutor(backend, Credentials{AccessToken: "access-1"})

	data, status, err := exec.Do(context.Background(), http.MethodGet, "/events", nil, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusTeapot, status)
	require.NotEmpty(t, data)
	require.Equal(t, int32(0), backend.refreshN.Load())
}

func TestExecutorSerializesConcurrentRefresh(t *testing.T) {
	backend := &fakeBackend{
		refresh: func(rt string) (Credentials, int) {
			return Credentials{AccessToken: "access-2", RefreshToken: "refresh-2"}, http.StatusOK
		},
		handle: func(method, path, token string) ([]byte, int) {
			if token == "access-1" {
				return nil, http.StatusUnauthorized
			}
			return []byte(`{}`), http.StatusOK
		},
	}
	exec, _, _ := newTestExecutor(backend, Credentials{AccessToken: "access-1", RefreshToken: "refresh-1"})

	const workers = 8
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, status, err := exec.Do(context.Background(), http.MethodGet, "/events", nil, nil)
			if err == nil && status != http.StatusOK {
				err = &APIError{Status: status, Message: "unexpected status"}
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), backend.refreshN.Load(), "concurrent 401s must collapse to one refresh")
}
