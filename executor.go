package crowdmix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Authenticated request executor
// ============================================================================

type transportFunc func(ctx context.Context, method, path, token string, body any, query map[string]string) ([]byte, int, error)

// Executor attaches bearer credentials to outbound requests and drives the
// bounded refresh-and-retry policy on authorization failure. It performs no
// caching; reads that want deduplication go through the FetchCache, which
// wraps the executor.
type Executor struct {
	transport  transportFunc
	creds      CredentialStore
	bus        *SessionBus
	maxRetries int
	log        zerolog.Logger

	// refreshMu serializes token refresh so N concurrent 401s trigger one
	// refresh; late arrivals see the rotated token and skip.
	refreshMu sync.Mutex
}

// Do executes an authenticated request. Non-authorization statuses are
// returned unchanged, success or not. A 401 triggers at most maxRetries
// refresh-and-retry rounds; once exhausted, or when the refresh itself is
// rejected, the store is cleared and ErrSessionExpired is returned. The
// SessionExpired broadcast only fires when the chain started with a token, so
// anonymous requests never produce false expiry notices.
func (e *Executor) Do(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, int, error) {
	hadToken := false
	for attempt := 0; ; attempt++ {
		creds, err := e.creds.Credentials(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("read credentials: %w", err)
		}
		if attempt == 0 {
			hadToken = creds.AccessToken != ""
		}

		data, status, err := e.transport(ctx, method, path, creds.AccessToken, body, query)
		if err != nil {
			return nil, 0, err
		}
		if status != http.StatusUnauthorized {
			return data, status, nil
		}

		e.log.Debug().Str("method", method).Str("path", path).Int("attempt", attempt).
			Msg("authorization failure")

		if attempt < e.maxRetries {
			rerr := e.refresh(ctx, creds)
			if rerr == nil {
				continue
			}
			if !errors.Is(rerr, ErrInvalidCredentials) {
				// Transient refresh failure: the session may still be good,
				// so neither logout nor broadcast.
				return nil, status, fmt.Errorf("token refresh: %w", rerr)
			}
		}

		e.expire(ctx, hadToken)
		return nil, status, ErrSessionExpired
	}
}

// refresh rotates the token pair via POST /auth/refresh. The stale pair the
// caller observed is compared against the store first: if another goroutine
// already rotated it, the refresh is skipped.
func (e *Executor) refresh(ctx context.Context, stale Credentials) error {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	current, err := e.creds.Credentials(ctx)
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}
	if current.AccessToken != stale.AccessToken {
		return nil
	}
	if current.RefreshToken == "" {
		return ErrInvalidCredentials
	}

	body := map[string]string{"refreshToken": current.RefreshToken}
	data, status, err := e.transport(ctx, http.MethodPost, "/auth/refresh", "", body, nil)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusBadRequest:
		return fmt.Errorf("%w: refresh rejected with status %d", ErrInvalidCredentials, status)
	case status >= 400:
		return apiErrorFrom(status, data)
	}

	next, derr := decodeJSON[Credentials](data, "refresh response")
	if derr != nil {
		return derr
	}
	if next.AccessToken == "" {
		return &DecodeError{What: "refresh response", Err: errors.New("missing accessToken")}
	}
	if next.RefreshToken == "" {
		// Server did not rotate the refresh token; keep the current one.
		next.RefreshToken = current.RefreshToken
	}
	e.log.Debug().Msg("access token refreshed")
	return e.creds.Store(ctx, *next)
}

func (e *Executor) expire(ctx context.Context, hadToken bool) {
	if err := e.creds.Clear(ctx); err != nil {
		e.log.Warn().Err(err).Msg("clearing credentials on expiry")
	}
	if hadToken {
		e.log.Warn().Msg("session expired")
		e.bus.Publish(SessionExpired)
	}
}
