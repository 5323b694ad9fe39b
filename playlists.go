package crowdmix

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// ============================================================================
// Playlists API
// ============================================================================

// PlaylistsClient handles collaborative playlists, their tracks, and invites.
type PlaylistsClient struct {
	client *Client
}

// ── Raw fetchers ─────────────────────────────────────────────

func (p *PlaylistsClient) fetchPlaylists(ctx context.Context) ([]Playlist, error) {
	data, err := p.client.call(ctx, http.MethodGet, "/playlists", nil, nil)
	if err != nil {
		return nil, err
	}
	playlists, derr := decodeJSON[[]Playlist](data, "playlists")
	if derr != nil {
		return nil, derr
	}
	return *playlists, nil
}

func (p *PlaylistsClient) fetchPlaylist(ctx context.Context, id string) (*Playlist, error) {
	data, err := p.client.call(ctx, http.MethodGet, "/playlists/"+id, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Playlist](data, "playlist")
}

// fetchAndSnapshotPlaylist is the live playlist fetch plus snapshot
// overwrite; the read-through Get and the reconciler's full reload share it.
func (p *PlaylistsClient) fetchAndSnapshotPlaylist(ctx context.Context, id string) (*Playlist, error) {
	pl, err := p.fetchPlaylist(ctx, id)
	if err != nil {
		return nil, err
	}
	if serr := p.client.snapshots.Save(ctx, SnapshotPlaylist, keyPlaylist(id), pl); serr != nil {
		p.client.log.Warn().Err(serr).Msg("saving playlist snapshot")
	}
	return pl, nil
}

// ── Reads ────────────────────────────────────────────────────

// List returns the caller's playlists, cached for DefaultReadTTL.
func (p *PlaylistsClient) List(ctx context.Context) ([]Playlist, error) {
	return CachedFetch(ctx, p.client.cache, keyPlaylists, DefaultReadTTL, p.fetchPlaylists)
}

// Get returns a playlist with its tracks. On live-fetch failure the last
// playlist snapshot is served when it matches this playlist; stale=true marks
// snapshot-served data.
func (p *PlaylistsClient) Get(ctx context.Context, id string) (playlist *Playlist, stale bool, err error) {
	playlist, err = CachedFetch(ctx, p.client.cache, keyPlaylist(id), DefaultReadTTL, func(ctx context.Context) (*Playlist, error) {
		return p.fetchAndSnapshotPlaylist(ctx, id)
	})
	if err == nil {
		return playlist, false, nil
	}

	snap, serr := p.client.snapshots.Load(ctx, SnapshotPlaylist, keyPlaylist(id))
	if serr != nil {
		return nil, false, err
	}
	cached, derr := DecodeSnapshot[*Playlist](snap)
	if derr != nil {
		return nil, false, err
	}
	p.client.log.Debug().Time("savedAt", snap.SavedAt).Msg("serving playlist from offline snapshot")
	return cached, true, nil
}

// ── Writes ───────────────────────────────────────────────────

func (p *PlaylistsClient) Create(ctx context.Context, opts *CreatePlaylistOptions) (*Playlist, error) {
	data, err := p.client.call(ctx, http.MethodPost, "/playlists", opts, nil)
	if err != nil {
		return nil, err
	}
	p.client.cache.Invalidate(keyPlaylists)
	return decodeJSON[Playlist](data, "playlist")
}

func (p *PlaylistsClient) Update(ctx context.Context, id string, opts *UpdatePlaylistOptions) (*Playlist, error) {
	data, err := p.client.call(ctx, http.MethodPatch, "/playlists/"+id, opts, nil)
	if err != nil {
		return nil, err
	}
	p.client.cache.Invalidate(keyPlaylists)
	p.client.cache.Invalidate(keyPlaylist(id))
	return decodeJSON[Playlist](data, "playlist")
}

func (p *PlaylistsClient) Delete(ctx context.Context, id string) error {
	if _, err := p.client.call(ctx, http.MethodDelete, "/playlists/"+id, nil, nil); err != nil {
		return err
	}
	p.client.cache.Invalidate(keyPlaylists)
	p.client.cache.Invalidate(keyPlaylist(id))
	return nil
}

// AddTrack appends a track to the playlist. The local list is only updated
// once the server has assigned the track its identifier, so a failed write
// cannot leave a divergent local-only ID behind.
func (p *PlaylistsClient) AddTrack(ctx context.Context, playlistID string, opts *AddTrackOptions) (*Track, error) {
	data, err := p.client.call(ctx, http.MethodPost, "/playlists/"+playlistID+"/tracks", opts, nil)
	if err != nil {
		return nil, err
	}
	track, derr := decodeJSON[Track](data, "track")
	if derr != nil {
		return nil, derr
	}
	p.client.cache.Mutate(keyPlaylist(playlistID), func(v any) (any, bool) {
		pl, ok := v.(*Playlist)
		if !ok {
			return nil, false
		}
		next := clonePlaylist(pl)
		next.Tracks = insertTrack(next.Tracks, *track)
		return next, true
	})
	return track, nil
}

// RemoveTrack deletes a track. Removal is applied to the cached playlist
// immediately; a failed delete reverts by reloading the playlist wholesale.
func (p *PlaylistsClient) RemoveTrack(ctx context.Context, playlistID, trackID string) error {
	key := keyPlaylist(playlistID)
	p.client.recon.beginOptimistic(key)
	p.client.cache.Mutate(key, func(v any) (any, bool) {
		pl, ok := v.(*Playlist)
		if !ok {
			return nil, false
		}
		next := clonePlaylist(pl)
		next.Tracks = deleteTrack(next.Tracks, trackID)
		return next, true
	})

	if _, err := p.client.call(ctx, http.MethodDelete, "/playlists/"+playlistID+"/tracks/"+trackID, nil, nil); err != nil {
		p.client.recon.revertPlaylist(ctx, playlistID)
		return err
	}
	p.client.recon.markConfirmed(key)
	return nil
}

// MoveTrack reorders a track to index within the playlist. The submitted
// position comes from the locally materialized order, not the server's. Any
// non-success response reverts via a full reload; permission-denied responses
// stay distinguishable through errors.Is(err, ErrPermissionDenied) so the UI
// can word the failure correctly.
func (p *PlaylistsClient) MoveTrack(ctx context.Context, playlistID, trackID string, index int) error {
	playlist, _, err := p.Get(ctx, playlistID)
	if err != nil {
		return err
	}
	if index < 0 {
		index = 0
	}
	if n := len(playlist.Tracks); index >= n && n > 0 {
		index = n - 1
	}

	key := keyPlaylist(playlistID)
	p.client.recon.beginOptimistic(key)
	p.client.cache.Mutate(key, func(v any) (any, bool) {
		pl, ok := v.(*Playlist)
		if !ok {
			return nil, false
		}
		next := clonePlaylist(pl)
		next.Tracks = moveTrack(next.Tracks, trackID, index)
		return next, true
	})

	body := map[string]any{"position": index, "requestId": uuid.NewString()}
	if _, err := p.client.call(ctx, http.MethodPatch, "/playlists/"+playlistID+"/tracks/"+trackID, body, nil); err != nil {
		p.client.recon.revertPlaylist(ctx, playlistID)
		return err
	}
	p.client.recon.markConfirmed(key)
	return nil
}

// ── Invites ──────────────────────────────────────────────────

func (p *PlaylistsClient) ListInvites(ctx context.Context, playlistID string) ([]Invite, error) {
	data, err := p.client.call(ctx, http.MethodGet, "/playlists/"+playlistID+"/invites", nil, nil)
	if err != nil {
		return nil, err
	}
	invites, derr := decodeJSON[[]Invite](data, "invites")
	if derr != nil {
		return nil, derr
	}
	return *invites, nil
}

func (p *PlaylistsClient) Invite(ctx context.Context, playlistID, userID string) error {
	_, err := p.client.call(ctx, http.MethodPost, "/playlists/"+playlistID+"/invites",
		map[string]string{"userId": userID}, nil)
	return err
}

func (p *PlaylistsClient) Uninvite(ctx context.Context, playlistID, userID string) error {
	_, err := p.client.call(ctx, http.MethodDelete, "/playlists/"+playlistID+"/invites/"+userID, nil, nil)
	return err
}

// ============================================================================
// Track list helpers
// ============================================================================

func clonePlaylist(pl *Playlist) *Playlist {
	next := *pl
	next.Tracks = make([]Track, len(pl.Tracks))
	copy(next.Tracks, pl.Tracks)
	return &next
}

func renumber(tracks []Track) []Track {
	for i := range tracks {
		tracks[i].Position = i
	}
	return tracks
}

// insertTrack places t at its Position, appending when out of range, and is
// a no-op when the track ID is already present.
func insertTrack(tracks []Track, t Track) []Track {
	for _, existing := range tracks {
		if existing.ID == t.ID {
			return tracks
		}
	}
	pos := t.Position
	if pos < 0 || pos > len(tracks) {
		pos = len(tracks)
	}
	tracks = append(tracks, Track{})
	copy(tracks[pos+1:], tracks[pos:])
	tracks[pos] = t
	return renumber(tracks)
}

func deleteTrack(tracks []Track, trackID string) []Track {
	for i := range tracks {
		if tracks[i].ID == trackID {
			return renumber(append(tracks[:i], tracks[i+1:]...))
		}
	}
	return tracks
}

// moveTrack repositions trackID to index; unknown IDs leave the list as is.
func moveTrack(tracks []Track, trackID string, index int) []Track {
	from := -1
	for i := range tracks {
		if tracks[i].ID == trackID {
			from = i
			break
		}
	}
	if from == -1 {
		return tracks
	}
	if index < 0 {
		index = 0
	}
	if index >= len(tracks) {
		index = len(tracks) - 1
	}
	t := tracks[from]
	tracks = append(tracks[:from], tracks[from+1:]...)
	tracks = append(tracks, Track{})
	copy(tracks[index+1:], tracks[index:])
	tracks[index] = t
	return renumber(tracks)
}
