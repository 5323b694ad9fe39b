// Package crowdmix provides the official Go SDK for the Crowdmix API.
//
// Covers the Events, Playlists, Users, and Auth APIs with a sub-module access
// pattern, plus the resilience layer an interactive client needs: a
// single-flight TTL cache for idempotent reads, an authenticated request
// executor with refresh-and-retry, a session event bus, a realtime stream
// client, and a reconciler that folds push messages into the cached state.
//
// Example:
//
//	store := crowdmix.NewMemoryCredentialStore()
//	client := crowdmix.NewClient(store)
//
//	_, err := client.Auth().Login(ctx, "ada", "hunter2")
//	events, stale, _ := client.Events().List(ctx)
//
//	stream := client.Stream()
//	_ = stream.Connect(ctx)
//	go client.Reconciler().Run(ctx, stream.Messages())
package crowdmix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// ============================================================================
// Environment
// ============================================================================

// Environment is a selectable backend preset.
type Environment string

const (
	Local  Environment = "local"
	Hosted Environment = "hosted"
)

var environments = map[Environment]string{
	Local:  "http://localhost:8080",
	Hosted: "https://api.crowdmix.app",
}

const (
	DefaultBaseURL = "https://api.crowdmix.app"
	DefaultTimeout = 30 * time.Second

	// DefaultReadTTL bounds how long idempotent GET responses are reused.
	DefaultReadTTL = 60 * time.Second

	// defaultVoteRefetchDelay is the pause before the authoritative tally
	// re-fetch that follows a successful vote.
	defaultVoteRefetchDelay = 2 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	creds     CredentialStore
	bus       *SessionBus
	cache     *FetchCache
	snapshots SnapshotStore
	exec      *Executor

	events    *EventsClient
	playlists *PlaylistsClient
	users     *UsersClient
	auth      *AuthClient
	recon     *Reconciler

	voteRefetchDelay time.Duration
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithSnapshotStore sets the offline fallback store. Defaults to an in-memory
// store; use NewFileSnapshotStore for persistence across runs.
func WithSnapshotStore(s SnapshotStore) ClientOption {
	return func(c *Client) { c.snapshots = s }
}

// WithMaxRetryCount bounds the refresh-and-retry loop of the authenticated
// executor. Default 1.
func WithMaxRetryCount(n int) ClientOption {
	return func(c *Client) { c.exec.maxRetries = n }
}

// NewClient creates a new Crowdmix client. The credential store is required;
// use NewMemoryCredentialStore for ephemeral sessions.
func NewClient(store CredentialStore, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log:              zerolog.Nop(),
		creds:            store,
		bus:              NewSessionBus(),
		cache:            NewFetchCache(),
		snapshots:        NewMemorySnapshotStore(),
		voteRefetchDelay: defaultVoteRefetchDelay,
	}
	c.exec = &Executor{
		transport:  c.doRequest,
		creds:      store,
		bus:        c.bus,
		maxRetries: 1,
	}

	for _, opt := range opts {
		opt(c)
	}
	c.exec.log = c.log

	c.events = &EventsClient{client: c}
	c.playlists = &PlaylistsClient{client: c}
	c.users = &UsersClient{client: c}
	c.auth = &AuthClient{client: c}
	c.recon = newReconciler(c)
	return c
}

// Events returns the Events API sub-client.
func (c *Client) Events() *EventsClient { return c.events }

// Playlists returns the Playlists API sub-client.
func (c *Client) Playlists() *PlaylistsClient { return c.playlists }

// Users returns the Users API sub-client.
func (c *Client) Users() *UsersClient { return c.users }

// Auth returns the Auth API sub-client.
func (c *Client) Auth() *AuthClient { return c.auth }

// Sessions returns the session event bus. Subscribers receive session
// lifecycle events such as SessionExpired regardless of which request
// discovered the condition.
func (c *Client) Sessions() *SessionBus { return c.bus }

// Cache returns the read cache shared by the typed read helpers and the
// realtime reconciler.
func (c *Client) Cache() *FetchCache { return c.cache }

// Reconciler returns the realtime reconciler bound to this client's cache.
func (c *Client) Reconciler() *Reconciler { return c.recon }

// Stream creates a realtime stream client for this client's backend. The
// returned stream is owned by the caller: connect it, feed its Messages
// channel to the Reconciler, and disconnect it when the owning view goes away.
func (c *Client) Stream() *StreamClient {
	return newStreamClient(c.baseURL, c.creds, c.log)
}

// SetLocation records the device position for location-gated voting.
func (c *Client) SetLocation(loc Location) {
	c.events.setLocation(&loc)
}

// CurrentUserID returns the subject of the held access token, or "" when no
// token is held. The token is decoded without signature verification; the
// client has no key material and only needs the identity claim for scoping
// realtime messages.
func (c *Client) CurrentUserID(ctx context.Context) string {
	creds, err := c.creds.Credentials(ctx)
	if err != nil || creds.Empty() {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(creds.AccessToken, claims); err != nil {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}

// ============================================================================
// Internal request plumbing
// ============================================================================

// doRequest performs a single HTTP round trip with an explicit bearer token.
// It never retries and never touches the credential store: that is the
// Executor's job.
func (c *Client) doRequest(ctx context.Context, method, path, token string, body any, query map[string]string) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

// call runs an authenticated request through the executor and maps non-2xx
// statuses to errors.
func (c *Client) call(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	data, status, err := c.exec.Do(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, apiErrorFrom(status, data)
	}
	return data, nil
}

// apiErrorFrom decodes the service's error envelope, falling back to the raw
// body when the envelope is absent.
func apiErrorFrom(status int, data []byte) error {
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil {
		envelope.Error.Status = status
		return envelope.Error
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{Status: status, Message: msg}
}

func decodeJSON[T any](data []byte, what string) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, &DecodeError{What: what, Err: err}
	}
	return &result, nil
}

// ============================================================================
// Cache keys
// ============================================================================

const (
	keyEvents    = "/events"
	keyPlaylists = "/playlists"
)

func keyEvent(id string) string    { return "/events/" + id }
func keyTally(id string) string    { return "/events/" + id + "/tally" }
func keyPlaylist(id string) string { return "/playlists/" + id }
