package crowdmix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Reconnector
// ============================================================================

func TestReconnectorBackoff(t *testing.T) {
	cfg := StreamConfig{ReconnectBaseDelay: time.Second, ReconnectMaxDelay: 8 * time.Second, MaxReconnectAttempts: 4}
	r := newReconnector(&cfg)

	t.Run("delays grow and cap at the maximum", func(t *testing.T) {
		var prev time.Duration
		for i := 0; i < 4; i++ {
			d := r.nextDelay()
			require.GreaterOrEqual(t, d, prev)
			require.LessOrEqual(t, d, 8*time.Second)
			prev = d
		}
	})

	t.Run("attempt budget is bounded", func(t *testing.T) {
		require.False(t, r.shouldReconnect())
	})

	t.Run("a long stable connection resets the attempt count", func(t *testing.T) {
		r.connectedAt = time.Now().Add(-2 * time.Minute)
		d := r.nextDelay()
		require.Less(t, d, 2*time.Second)
		require.True(t, r.shouldReconnect())
	})
}

func TestReconnectorUnlimitedAttempts(t *testing.T) {
	r := &reconnector{baseDelay: time.Second, maxDelay: time.Second, maxAttempts: 0, attempt: 1000}
	require.True(t, r.shouldReconnect())
}

// ============================================================================
// Stream client
// ============================================================================

func TestStreamClientReceivesEnvelopes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "stream-token" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		frame, _ := json.Marshal(Envelope{Type: MsgVoteCast, Payload: json.RawMessage(`{"eventId":"ev-1","trackId":"track-a","votes":4}`)})
		if err := conn.Write(r.Context(), websocket.MessageText, frame); err != nil {
			return
		}
		// Hold the connection open until the client goes away.
		conn.Read(r.Context())
	}))
	t.Cleanup(srv.Close)

	store := NewMemoryCredentialStore()
	require.NoError(t, store.Store(context.Background(), Credentials{AccessToken: "stream-token"}))
	stream := newStreamClient(srv.URL, store, zerolog.Nop())

	require.NoError(t, stream.Connect(context.Background()))
	require.Equal(t, StateConnected, stream.State())

	select {
	case env := <-stream.Messages():
		require.Equal(t, MsgVoteCast, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an envelope from the stream")
	}

	require.NoError(t, stream.Disconnect())
	require.Equal(t, StateDisconnected, stream.State())

	// Disconnect closes Messages so ranging consumers terminate.
	_, open := <-stream.Messages()
	require.False(t, open)
}

func TestStreamClientConnectIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		conn.Read(r.Context())
	}))
	t.Cleanup(srv.Close)

	store := NewMemoryCredentialStore()
	require.NoError(t, store.Store(context.Background(), Credentials{AccessToken: "t"}))
	stream := newStreamClient(srv.URL, store, zerolog.Nop())

	require.NoError(t, stream.Connect(context.Background()))
	require.NoError(t, stream.Connect(context.Background())) // already connected
	require.NoError(t, stream.Disconnect())
}

func TestStreamClientIsSpentAfterDisconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		conn.Read(r.Context())
	}))
	t.Cleanup(srv.Close)

	store := NewMemoryCredentialStore()
	require.NoError(t, store.Store(context.Background(), Credentials{AccessToken: "t"}))
	stream := newStreamClient(srv.URL, store, zerolog.Nop())

	require.NoError(t, stream.Connect(context.Background()))
	require.NoError(t, stream.Disconnect())

	// Messages is closed; a second Connect must refuse rather than spin up a
	// read loop that would send into the closed channel.
	require.ErrorIs(t, stream.Connect(context.Background()), ErrStreamClosed)
	require.Equal(t, StateDisconnected, stream.State())
}

func TestStreamClientDisconnectBeforeConnect(t *testing.T) {
	store := NewMemoryCredentialStore()
	require.NoError(t, store.Store(context.Background(), Credentials{AccessToken: "t"}))
	stream := newStreamClient("http://127.0.0.1:1", store, zerolog.Nop())

	require.NoError(t, stream.Disconnect())
	require.ErrorIs(t, stream.Connect(context.Background()), ErrStreamClosed)
}

func TestStreamClientDialFailure(t *testing.T) {
	store := NewMemoryCredentialStore()
	require.NoError(t, store.Store(context.Background(), Credentials{AccessToken: "t"}))
	stream := newStreamClient("http://127.0.0.1:1", store, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, stream.Connect(ctx))
	require.Equal(t, StateDisconnected, stream.State())
}
