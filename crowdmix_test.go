package crowdmix

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// newTestClient builds a client against an httptest server with a stored
// token pair, so requests pass straight through the executor.
func newTestClient(t *testing.T, handler http.Handler, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store := NewMemoryCredentialStore()
	require.NoError(t, store.Store(context.Background(), Credentials{
		AccessToken:  "test-access",
		RefreshToken: "test-refresh",
	}))
	return NewClient(store, append([]ClientOption{WithBaseURL(srv.URL)}, opts...)...)
}

func signedTestToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": subject})
	s, err := token.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return s
}

// ============================================================================
// Error mapping
// ============================================================================

func TestAPIErrorMapping(t *testing.T) {
	t.Run("403 maps to ErrPermissionDenied", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":{"code":"not_owner","message":"only the owner can do that"}}`))
		}))

		err := client.Playlists().Delete(context.Background(), "pl-1")
		require.True(t, IsPermissionDenied(err))

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, "not_owner", apiErr.Code)
		require.Equal(t, "only the owner can do that", apiErr.Message)
	})

	t.Run("404 maps to ErrNotFound", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}))
		_, err := client.Events().Get(context.Background(), "missing")
		require.True(t, IsNotFound(err))
	})

	t.Run("plain-text body without envelope", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte("already exists"))
		}))
		_, err := client.Playlists().Create(context.Background(), &CreatePlaylistOptions{Name: "x"})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusConflict, apiErr.Status)
		require.Equal(t, "already exists", apiErr.Message)
	})
}

// ============================================================================
// Session identity
// ============================================================================

func TestCurrentUserID(t *testing.T) {
	t.Run("decodes the subject claim", func(t *testing.T) {
		store := NewMemoryCredentialStore()
		require.NoError(t, store.Store(context.Background(), Credentials{
			AccessToken: signedTestToken(t, "user-42"),
		}))
		client := NewClient(store)
		require.Equal(t, "user-42", client.CurrentUserID(context.Background()))
	})

	t.Run("empty without a token", func(t *testing.T) {
		client := NewClient(NewMemoryCredentialStore())
		require.Equal(t, "", client.CurrentUserID(context.Background()))
	})

	t.Run("empty for an opaque token", func(t *testing.T) {
		store := NewMemoryCredentialStore()
		require.NoError(t, store.Store(context.Background(), Credentials{AccessToken: "not-a-jwt"}))
		client := NewClient(store)
		require.Equal(t, "", client.CurrentUserID(context.Background()))
	})
}

// ============================================================================
// Auth flows
// ============================================================================

func TestLoginStoresCredentials(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/login" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"user":{"id":"user-1","username":"ada"},"accessToken":"a1","refreshToken":"r1"}`))
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store := NewMemoryCredentialStore()
	client := NewClient(store, WithBaseURL(srv.URL))

	user, err := client.Auth().Login(context.Background(), "ada", "hunter2")
	require.NoError(t, err)
	require.Equal(t, "ada", user.Username)

	creds, _ := store.Credentials(context.Background())
	require.Equal(t, "a1", creds.AccessToken)
	require.Equal(t, "r1", creds.RefreshToken)
}

func TestLogoutClearsCredentialsWithoutBroadcast(t *testing.T) {
	store := NewMemoryCredentialStore()
	require.NoError(t, store.Store(context.Background(), Credentials{AccessToken: "a", RefreshToken: "r"}))
	client := NewClient(store)

	events, cancel := client.Sessions().Subscribe()
	defer cancel()

	require.NoError(t, client.Auth().Logout(context.Background()))
	creds, _ := store.Credentials(context.Background())
	require.True(t, creds.Empty())
	requireNoEvent(t, events)
}

// ============================================================================
// End-to-end session expiry
// ============================================================================

func TestExpiredSessionSurfacesOnBus(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Both the original request and the refresh are rejected.
		w.WriteHeader(http.StatusUnauthorized)
	}))

	events, cancel := client.Sessions().Subscribe()
	defer cancel()

	_, err := client.Users().Me(context.Background())
	require.ErrorIs(t, err, ErrSessionExpired)
	require.Equal(t, SessionExpired, drainOne(t, events))
	require.False(t, errors.Is(err, ErrPermissionDenied))
}
