package crowdmix

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Optimistic mutation state machine
// ============================================================================

// MutationState tracks a resource's optimistic lifecycle. A resource enters
// MutationPending when a local write is applied ahead of server confirmation,
// then settles to MutationConfirmed (authoritative state agreed) or
// MutationReverted (delta discarded, resource reloaded wholesale).
type MutationState int

const (
	MutationIdle MutationState = iota
	MutationPending
	MutationConfirmed
	MutationReverted
)

func (s MutationState) String() string {
	switch s {
	case MutationPending:
		return "pending"
	case MutationConfirmed:
		return "confirmed"
	case MutationReverted:
		return "reverted"
	}
	return "idle"
}

// ============================================================================
// Realtime reconciler
// ============================================================================

// Reconciler folds an unordered stream of push messages into the shared read
// cache. Each known message type either mutates the targeted cached entity
// directly, when the payload identifies it and it is cached, or falls back to
// a full TTL-bypassing reload. Messages scoped to another user are dropped.
// Handlers are idempotent: replaying a message, or receiving messages out of
// order, at worst costs an extra reload, never corrupted state.
//
// The reconciler is stateless across stream reconnects beyond the cache it
// mutates; reconnecting is the stream owner's job.
type Reconciler struct {
	client *Client
	cache  *FetchCache

	mu     sync.Mutex
	states map[string]MutationState
}

func newReconciler(c *Client) *Reconciler {
	return &Reconciler{
		client: c,
		cache:  c.cache,
		states: make(map[string]MutationState),
	}
}

// Run consumes envelopes until the channel closes or ctx is cancelled.
// Messages are applied strictly in receive order, no coalescing.
func (r *Reconciler) Run(ctx context.Context, msgs <-chan Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-msgs:
			if !ok {
				return
			}
			r.Apply(ctx, env)
		}
	}
}

// MutationStateOf reports the optimistic state tracked for a cache key.
func (r *Reconciler) MutationStateOf(key string) MutationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[key]
}

func (r *Reconciler) beginOptimistic(key string) {
	r.setState(key, MutationPending)
}

func (r *Reconciler) markConfirmed(key string) {
	r.setState(key, MutationConfirmed)
}

func (r *Reconciler) markReverted(key string) {
	r.setState(key, MutationReverted)
}

func (r *Reconciler) setState(key string, s MutationState) {
	r.mu.Lock()
	r.states[key] = s
	r.mu.Unlock()
}

// resolve settles a pending optimistic delta after an authoritative reload
// replaced the resource: whatever the delta was, it is gone now.
func (r *Reconciler) resolve(key string) {
	r.mu.Lock()
	if r.states[key] == MutationPending {
		r.states[key] = MutationReverted
	}
	r.mu.Unlock()
}

func (r *Reconciler) pending(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[key] == MutationPending
}

// ============================================================================
// Payload schemas
// ============================================================================

// Payloads are validated explicitly; a payload missing its identifying
// fields routes to the full-reload fallback instead of a guessy partial
// apply.

type voteCastPayload struct {
	EventID string `json:"eventId"`
	TrackID string `json:"trackId"`
	Votes   int    `json:"votes"`
	UserID  string `json:"userId,omitempty"`
}

func (p *voteCastPayload) valid() bool { return p.EventID != "" && p.TrackID != "" && p.Votes >= 0 }

type trackAddedPayload struct {
	PlaylistID string `json:"playlistId"`
	Track      Track  `json:"track"`
}

func (p *trackAddedPayload) valid() bool { return p.PlaylistID != "" && p.Track.ID != "" }

type trackRefPayload struct {
	PlaylistID string `json:"playlistId"`
	TrackID    string `json:"trackId"`
}

func (p *trackRefPayload) valid() bool { return p.PlaylistID != "" && p.TrackID != "" }

type trackMovedPayload struct {
	PlaylistID string `json:"playlistId"`
	TrackID    string `json:"trackId"`
	Position   *int   `json:"position"`
}

func (p *trackMovedPayload) valid() bool {
	return p.PlaylistID != "" && p.TrackID != "" && p.Position != nil && *p.Position >= 0
}

type playlistScopedPayload struct {
	PlaylistID string `json:"playlistId"`
	UserID     string `json:"userId,omitempty"`
}

type eventScopedPayload struct {
	EventID string `json:"eventId"`
	UserID  string `json:"userId,omitempty"`
}

// ============================================================================
// Message application
// ============================================================================

// Apply processes a single envelope. Exposed for tests and for consumers
// that multiplex their own streams.
func (r *Reconciler) Apply(ctx context.Context, env Envelope) {
	log := r.client.log.With().Str("type", env.Type).Logger()

	switch env.Type {
	case MsgVoteCast:
		p, ok := decodePayload[voteCastPayload](env.Payload)
		if !ok || !p.valid() {
			if ok && p.EventID != "" {
				r.reloadKey(ctx, keyTally(p.EventID))
				return
			}
			log.Debug().Msg("unusable vote payload, reloading cached resources")
			r.reloadCached(ctx)
			return
		}
		r.applyVoteCast(ctx, p)

	case MsgTrackAdded:
		p, ok := decodePayload[trackAddedPayload](env.Payload)
		if !ok || !p.valid() {
			r.reloadPlaylistOrAll(ctx, payloadPlaylistID(env.Payload))
			return
		}
		r.applyTrackAdded(ctx, p)

	case MsgTrackDeleted:
		p, ok := decodePayload[trackRefPayload](env.Payload)
		if !ok || !p.valid() {
			r.reloadPlaylistOrAll(ctx, payloadPlaylistID(env.Payload))
			return
		}
		r.applyTrackDeleted(ctx, p)

	case MsgTrackMoved:
		p, ok := decodePayload[trackMovedPayload](env.Payload)
		if !ok || !p.valid() {
			r.reloadPlaylistOrAll(ctx, payloadPlaylistID(env.Payload))
			return
		}
		r.applyTrackMoved(ctx, p)

	case MsgPlaylistUpdated:
		p, ok := decodePayload[playlistScopedPayload](env.Payload)
		if !ok || p.PlaylistID == "" {
			r.reloadCached(ctx)
			return
		}
		// Update payloads are partial; convergence needs the whole entity.
		r.reloadKey(ctx, keyPlaylist(p.PlaylistID))
		r.reloadIfCached(ctx, keyPlaylists)

	case MsgPlaylistCreated:
		r.reloadIfCached(ctx, keyPlaylists)

	case MsgPlaylistDeleted:
		p, ok := decodePayload[playlistScopedPayload](env.Payload)
		if !ok || p.PlaylistID == "" {
			r.reloadCached(ctx)
			return
		}
		r.cache.Invalidate(keyPlaylist(p.PlaylistID))
		r.cache.Mutate(keyPlaylists, func(v any) (any, bool) {
			playlists, ok := v.([]Playlist)
			if !ok {
				return nil, false
			}
			return removePlaylist(playlists, p.PlaylistID), true
		})

	case MsgPlaylistInvited:
		p, ok := decodePayload[playlistScopedPayload](env.Payload)
		if !ok {
			r.reloadCached(ctx)
			return
		}
		if !r.isSelf(ctx, p.UserID) {
			return // someone else's invite
		}
		r.reloadIfCached(ctx, keyPlaylists)

	case MsgEventInvited:
		p, ok := decodePayload[eventScopedPayload](env.Payload)
		if !ok {
			r.reloadCached(ctx)
			return
		}
		if !r.isSelf(ctx, p.UserID) {
			return
		}
		r.reloadIfCached(ctx, keyEvents)

	case MsgEventDeleted:
		p, ok := decodePayload[eventScopedPayload](env.Payload)
		if !ok || p.EventID == "" {
			r.reloadCached(ctx)
			return
		}
		r.dropEvent(p.EventID)

	case MsgEventLeft:
		p, ok := decodePayload[eventScopedPayload](env.Payload)
		if !ok || p.EventID == "" {
			r.reloadCached(ctx)
			return
		}
		if r.isSelf(ctx, p.UserID) {
			r.dropEvent(p.EventID)
			return
		}
		// Another attendee left; the cached attendee list, if any, is stale.
		r.reloadIfCached(ctx, keyEvent(p.EventID))

	default:
		log.Debug().Msg("unknown realtime message, reloading cached resources")
		r.reloadCached(ctx)
	}
}

func (r *Reconciler) applyVoteCast(ctx context.Context, p *voteCastPayload) {
	key := keyTally(p.EventID)
	if _, cached := r.cache.Peek(key); !cached {
		r.reloadKey(ctx, key)
		return
	}
	if r.pending(key) {
		// A local optimistic delta is in play; discard it wholesale rather
		// than merging per field.
		if _, err := r.reloadTally(ctx, p.EventID); err != nil {
			r.client.log.Warn().Err(err).Str("eventId", p.EventID).Msg("tally reload")
		}
		return
	}
	r.cache.Mutate(key, func(v any) (any, bool) {
		tally, ok := v.(*Tally)
		if !ok {
			return nil, false
		}
		next := cloneTally(tally)
		setTallyVotes(next, p.TrackID, p.Votes)
		sortTally(next)
		return next, true
	})
}

func (r *Reconciler) applyTrackAdded(ctx context.Context, p *trackAddedPayload) {
	key := keyPlaylist(p.PlaylistID)
	if _, cached := r.cache.Peek(key); !cached {
		r.reloadKey(ctx, key)
		return
	}
	r.cache.Mutate(key, func(v any) (any, bool) {
		pl, ok := v.(*Playlist)
		if !ok {
			return nil, false
		}
		next := clonePlaylist(pl)
		next.Tracks = insertTrack(next.Tracks, p.Track)
		return next, true
	})
}

func (r *Reconciler) applyTrackDeleted(ctx context.Context, p *trackRefPayload) {
	key := keyPlaylist(p.PlaylistID)
	if _, cached := r.cache.Peek(key); !cached {
		r.reloadKey(ctx, key)
		return
	}
	r.cache.Mutate(key, func(v any) (any, bool) {
		pl, ok := v.(*Playlist)
		if !ok {
			return nil, false
		}
		next := clonePlaylist(pl)
		next.Tracks = deleteTrack(next.Tracks, p.TrackID)
		return next, true
	})
}

func (r *Reconciler) applyTrackMoved(ctx context.Context, p *trackMovedPayload) {
	key := keyPlaylist(p.PlaylistID)
	v, cached := r.cache.Peek(key)
	if !cached {
		r.reloadKey(ctx, key)
		return
	}
	pl, ok := v.(*Playlist)
	if !ok || !hasTrack(pl.Tracks, p.TrackID) {
		// Can't place a track we don't hold; converge wholesale.
		r.reloadKey(ctx, key)
		return
	}
	r.cache.Mutate(key, func(v any) (any, bool) {
		pl, ok := v.(*Playlist)
		if !ok {
			return nil, false
		}
		next := clonePlaylist(pl)
		next.Tracks = moveTrack(next.Tracks, p.TrackID, *p.Position)
		return next, true
	})
}

func (r *Reconciler) dropEvent(eventID string) {
	r.cache.Invalidate(keyEvent(eventID))
	r.cache.Invalidate(keyTally(eventID))
	r.cache.Mutate(keyEvents, func(v any) (any, bool) {
		events, ok := v.([]Event)
		if !ok {
			return nil, false
		}
		return removeEvent(events, eventID), true
	})
}

// isSelf reports whether userID names the current session's identity. An
// empty userID in a scoped payload is treated as not-self: better to drop a
// broken invite notice than to reload on someone else's behalf.
func (r *Reconciler) isSelf(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}
	return userID == r.client.CurrentUserID(ctx)
}

// ============================================================================
// Full reload fallback
// ============================================================================

func (r *Reconciler) reloadTally(ctx context.Context, eventID string) (*Tally, error) {
	key := keyTally(eventID)
	t, err := CachedFetchFresh(ctx, r.cache, key, 10*time.Second, func(ctx context.Context) (*Tally, error) {
		return r.client.events.fetchTally(ctx, eventID)
	})
	if err == nil {
		r.resolve(key)
	}
	return t, err
}

func (r *Reconciler) revertPlaylist(ctx context.Context, playlistID string) {
	r.markReverted(keyPlaylist(playlistID))
	r.reloadKey(ctx, keyPlaylist(playlistID))
}

// reloadKey re-fetches a resource wholesale by its cache key, bypassing TTL.
func (r *Reconciler) reloadKey(ctx context.Context, key string) {
	var err error
	switch {
	case key == keyEvents:
		_, err = CachedFetchFresh(ctx, r.cache, key, DefaultReadTTL, r.client.events.fetchAndSnapshotEvents)
	case key == keyPlaylists:
		_, err = CachedFetchFresh(ctx, r.cache, key, DefaultReadTTL, r.client.playlists.fetchPlaylists)
	case key == keyFriends:
		r.cache.Invalidate(key)
	case strings.HasSuffix(key, "/tally"):
		eventID := strings.TrimSuffix(strings.TrimPrefix(key, "/events/"), "/tally")
		_, err = r.reloadTally(ctx, eventID)
		return
	case strings.HasPrefix(key, "/playlists/"):
		id := strings.TrimPrefix(key, "/playlists/")
		_, err = CachedFetchFresh(ctx, r.cache, key, DefaultReadTTL, func(ctx context.Context) (*Playlist, error) {
			return r.client.playlists.fetchAndSnapshotPlaylist(ctx, id)
		})
	case strings.HasPrefix(key, "/events/"):
		id := strings.TrimPrefix(key, "/events/")
		_, err = CachedFetchFresh(ctx, r.cache, key, DefaultReadTTL, func(ctx context.Context) (*Event, error) {
			return r.client.events.fetchEvent(ctx, id)
		})
	default:
		r.cache.Invalidate(key)
	}
	if err != nil {
		r.client.log.Warn().Err(err).Str("key", key).Msg("full reload")
		return
	}
	r.resolve(key)
}

// reloadIfCached re-fetches key only when something is cached under it; a
// resource nobody has asked for yet needs no convergence.
func (r *Reconciler) reloadIfCached(ctx context.Context, key string) {
	if _, cached := r.cache.Peek(key); !cached {
		return
	}
	r.reloadKey(ctx, key)
}

// reloadCached is the fallback for payloads that identify nothing: every
// currently cached resource is re-fetched so state converges regardless of
// what the message meant.
func (r *Reconciler) reloadCached(ctx context.Context) {
	for _, key := range r.cache.Keys() {
		r.reloadKey(ctx, key)
	}
}

// ============================================================================
// Decode helpers
// ============================================================================

func decodePayload[T any](payload []byte) (*T, bool) {
	v, err := decodeJSON[T](payload, "realtime payload")
	if err != nil {
		return nil, false
	}
	return v, true
}

// payloadPlaylistID best-effort extracts a playlist ID from a payload that
// failed full validation, so the fallback can reload just that playlist.
func payloadPlaylistID(payload []byte) string {
	p, ok := decodePayload[playlistScopedPayload](payload)
	if !ok {
		return ""
	}
	return p.PlaylistID
}

func (r *Reconciler) reloadPlaylistOrAll(ctx context.Context, playlistID string) {
	if playlistID == "" {
		r.reloadCached(ctx)
		return
	}
	r.reloadKey(ctx, keyPlaylist(playlistID))
}

func setTallyVotes(t *Tally, trackID string, votes int) {
	for i := range t.Entries {
		if t.Entries[i].TrackID == trackID {
			t.Entries[i].Votes = votes
			return
		}
	}
	t.Entries = append(t.Entries, TallyEntry{TrackID: trackID, Votes: votes})
}

func hasTrack(tracks []Track, trackID string) bool {
	for i := range tracks {
		if tracks[i].ID == trackID {
			return true
		}
	}
	return false
}

func removePlaylist(playlists []Playlist, id string) []Playlist {
	out := playlists[:0:0]
	for _, pl := range playlists {
		if pl.ID != id {
			out = append(out, pl)
		}
	}
	return out
}

func removeEvent(events []Event, id string) []Event {
	out := events[:0:0]
	for _, ev := range events {
		if ev.ID != id {
			out = append(out, ev)
		}
	}
	return out
}
