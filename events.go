package crowdmix

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Events API
// ============================================================================

// EventsClient handles live events, vote tallies, and event invites.
type EventsClient struct {
	client *Client

	mu       sync.Mutex
	location *Location
}

func (e *EventsClient) setLocation(loc *Location) {
	e.mu.Lock()
	e.location = loc
	e.mu.Unlock()
}

func (e *EventsClient) currentLocation() *Location {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.location
}

// ── Raw fetchers ─────────────────────────────────────────────

func (e *EventsClient) fetchEvents(ctx context.Context) ([]Event, error) {
	data, err := e.client.call(ctx, http.MethodGet, "/events", nil, nil)
	if err != nil {
		return nil, err
	}
	events, derr := decodeJSON[[]Event](data, "events")
	if derr != nil {
		return nil, derr
	}
	return *events, nil
}

func (e *EventsClient) fetchEvent(ctx context.Context, id string) (*Event, error) {
	data, err := e.client.call(ctx, http.MethodGet, "/events/"+id, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Event](data, "event")
}

func (e *EventsClient) fetchTally(ctx context.Context, eventID string) (*Tally, error) {
	data, err := e.client.call(ctx, http.MethodGet, "/events/"+eventID+"/tally", nil, nil)
	if err != nil {
		return nil, err
	}
	tally, derr := decodeJSON[Tally](data, "tally")
	if derr != nil {
		return nil, derr
	}
	if tally.EventID == "" {
		tally.EventID = eventID
	}
	sortTally(tally)
	return tally, nil
}

// fetchAndSnapshotEvents is the live events fetch plus snapshot overwrite;
// both the read-through List and the reconciler's full reload use it.
func (e *EventsClient) fetchAndSnapshotEvents(ctx context.Context) ([]Event, error) {
	evs, err := e.fetchEvents(ctx)
	if err != nil {
		return nil, err
	}
	if serr := e.client.snapshots.Save(ctx, SnapshotEvents, keyEvents, evs); serr != nil {
		e.client.log.Warn().Err(serr).Msg("saving events snapshot")
	}
	return evs, nil
}

// ── Reads ────────────────────────────────────────────────────

// List returns the caller's events, cached for DefaultReadTTL and
// deduplicated across concurrent callers. When the live fetch fails it falls
// back to the last offline snapshot; stale=true marks snapshot-served data so
// the UI can flag it.
func (e *EventsClient) List(ctx context.Context) (events []Event, stale bool, err error) {
	events, err = CachedFetch(ctx, e.client.cache, keyEvents, DefaultReadTTL, e.fetchAndSnapshotEvents)
	if err == nil {
		return events, false, nil
	}

	snap, serr := e.client.snapshots.Load(ctx, SnapshotEvents, keyEvents)
	if serr != nil {
		return nil, false, err
	}
	cached, derr := DecodeSnapshot[[]Event](snap)
	if derr != nil {
		return nil, false, err
	}
	e.client.log.Debug().Time("savedAt", snap.SavedAt).Msg("serving events from offline snapshot")
	return cached, true, nil
}

// Get returns one event, cached under its own key.
func (e *EventsClient) Get(ctx context.Context, id string) (*Event, error) {
	return CachedFetch(ctx, e.client.cache, keyEvent(id), DefaultReadTTL, func(ctx context.Context) (*Event, error) {
		return e.fetchEvent(ctx, id)
	})
}

// Tally returns the event's vote standing, cached briefly; votes move fast.
func (e *EventsClient) Tally(ctx context.Context, eventID string) (*Tally, error) {
	return CachedFetch(ctx, e.client.cache, keyTally(eventID), 10*time.Second, func(ctx context.Context) (*Tally, error) {
		return e.fetchTally(ctx, eventID)
	})
}

// RefreshTally forces an authoritative tally fetch, replacing any cached or
// optimistically mutated standing.
func (e *EventsClient) RefreshTally(ctx context.Context, eventID string) (*Tally, error) {
	return e.client.recon.reloadTally(ctx, eventID)
}

// ── Writes ───────────────────────────────────────────────────

func (e *EventsClient) Create(ctx context.Context, opts *CreateEventOptions) (*Event, error) {
	data, err := e.client.call(ctx, http.MethodPost, "/events", opts, nil)
	if err != nil {
		return nil, err
	}
	e.client.cache.Invalidate(keyEvents)
	return decodeJSON[Event](data, "event")
}

func (e *EventsClient) Update(ctx context.Context, id string, opts *UpdateEventOptions) (*Event, error) {
	data, err := e.client.call(ctx, http.MethodPatch, "/events/"+id, opts, nil)
	if err != nil {
		return nil, err
	}
	e.client.cache.Invalidate(keyEvents)
	e.client.cache.Invalidate(keyEvent(id))
	return decodeJSON[Event](data, "event")
}

func (e *EventsClient) Delete(ctx context.Context, id string) error {
	if _, err := e.client.call(ctx, http.MethodDelete, "/events/"+id, nil, nil); err != nil {
		return err
	}
	e.client.cache.Invalidate(keyEvents)
	e.client.cache.Invalidate(keyEvent(id))
	return nil
}

// Vote casts a vote for a track at an event.
//
// Client-side gating runs first: the event's voting window must be open, and
// location-gated events require SetLocation beforehand. The cached tally is
// then optimistically incremented and re-sorted so the UI updates at once. On
// success an authoritative re-fetch is scheduled shortly after; on failure
// the error surfaces immediately and the optimistic increment stands only
// until the next authoritative fetch replaces the tally wholesale.
func (e *EventsClient) Vote(ctx context.Context, eventID, trackID string) error {
	ev, err := e.Get(ctx, eventID)
	if err != nil {
		return err
	}
	if !ev.VotingOpen(time.Now()) {
		return ErrVotingClosed
	}
	loc := e.currentLocation()
	if ev.RequiresLocation && loc == nil {
		return ErrLocationRequired
	}

	key := keyTally(eventID)
	e.client.recon.beginOptimistic(key)
	e.client.cache.Mutate(key, func(v any) (any, bool) {
		tally, ok := v.(*Tally)
		if !ok {
			return nil, false
		}
		next := cloneTally(tally)
		incrementTally(next, trackID)
		sortTally(next)
		return next, true
	})

	body := map[string]any{"trackId": trackID, "requestId": uuid.NewString()}
	if loc != nil {
		body["location"] = loc
	}
	if _, err := e.client.call(ctx, http.MethodPost, "/events/"+eventID+"/vote", body, nil); err != nil {
		e.client.recon.markReverted(key)
		return err
	}

	delay := e.client.voteRefetchDelay
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		<-timer.C
		rctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if _, rerr := e.client.recon.reloadTally(rctx, eventID); rerr != nil {
			e.client.log.Warn().Err(rerr).Str("eventId", eventID).Msg("post-vote tally refresh")
		}
	}()
	return nil
}

// ── Invites ──────────────────────────────────────────────────

func (e *EventsClient) ListInvites(ctx context.Context, eventID string) ([]Invite, error) {
	data, err := e.client.call(ctx, http.MethodGet, "/events/"+eventID+"/invites", nil, nil)
	if err != nil {
		return nil, err
	}
	invites, derr := decodeJSON[[]Invite](data, "invites")
	if derr != nil {
		return nil, derr
	}
	return *invites, nil
}

func (e *EventsClient) Invite(ctx context.Context, eventID, userID string) error {
	_, err := e.client.call(ctx, http.MethodPost, "/events/"+eventID+"/invites",
		map[string]string{"userId": userID}, nil)
	return err
}

func (e *EventsClient) Uninvite(ctx context.Context, eventID, userID string) error {
	_, err := e.client.call(ctx, http.MethodDelete, "/events/"+eventID+"/invites/"+userID, nil, nil)
	return err
}

// ============================================================================
// Tally helpers
// ============================================================================

func cloneTally(t *Tally) *Tally {
	next := &Tally{EventID: t.EventID, Entries: make([]TallyEntry, len(t.Entries))}
	copy(next.Entries, t.Entries)
	return next
}

func incrementTally(t *Tally, trackID string) {
	for i := range t.Entries {
		if t.Entries[i].TrackID == trackID {
			t.Entries[i].Votes++
			return
		}
	}
	t.Entries = append(t.Entries, TallyEntry{TrackID: trackID, Votes: 1})
}

// sortTally orders by votes descending, track ID ascending for stability.
func sortTally(t *Tally) {
	sort.SliceStable(t.Entries, func(i, j int) bool {
		if t.Entries[i].Votes != t.Entries[j].Votes {
			return t.Entries[i].Votes > t.Entries[j].Votes
		}
		return t.Entries[i].TrackID < t.Entries[j].TrackID
	})
}
