package crowdmix

import "time"

// ============================================================================
// Shared Types
// ============================================================================

// Credentials is the opaque token pair owned by a CredentialStore.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Empty reports whether no access token is held.
func (c Credentials) Empty() bool { return c.AccessToken == "" }

// Location is a client-side position used for location-gated voting.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ============================================================================
// Users
// ============================================================================

type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName,omitempty"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ============================================================================
// Events
// ============================================================================

type Event struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	HostID           string     `json:"hostId"`
	PlaylistID       string     `json:"playlistId,omitempty"`
	StartsAt         time.Time  `json:"startsAt"`
	EndsAt           time.Time  `json:"endsAt"`
	VotingOpensAt    *time.Time `json:"votingOpensAt,omitempty"`
	VotingClosesAt   *time.Time `json:"votingClosesAt,omitempty"`
	RequiresLocation bool       `json:"requiresLocation,omitempty"`
	Attendees        []User     `json:"attendees,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt,omitempty"`
}

// VotingOpen reports whether the event accepts votes at the given instant.
// Events without an explicit window accept votes for their whole duration.
func (e *Event) VotingOpen(now time.Time) bool {
	opens, closes := e.StartsAt, e.EndsAt
	if e.VotingOpensAt != nil {
		opens = *e.VotingOpensAt
	}
	if e.VotingClosesAt != nil {
		closes = *e.VotingClosesAt
	}
	return !now.Before(opens) && now.Before(closes)
}

type CreateEventOptions struct {
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	PlaylistID       string     `json:"playlistId,omitempty"`
	StartsAt         time.Time  `json:"startsAt"`
	EndsAt           time.Time  `json:"endsAt"`
	VotingOpensAt    *time.Time `json:"votingOpensAt,omitempty"`
	VotingClosesAt   *time.Time `json:"votingClosesAt,omitempty"`
	RequiresLocation bool       `json:"requiresLocation,omitempty"`
}

type UpdateEventOptions struct {
	Name           *string    `json:"name,omitempty"`
	Description    *string    `json:"description,omitempty"`
	StartsAt       *time.Time `json:"startsAt,omitempty"`
	EndsAt         *time.Time `json:"endsAt,omitempty"`
	VotingOpensAt  *time.Time `json:"votingOpensAt,omitempty"`
	VotingClosesAt *time.Time `json:"votingClosesAt,omitempty"`
}

// TallyEntry is one row of an event's vote tally.
type TallyEntry struct {
	TrackID string `json:"trackId"`
	Title   string `json:"title,omitempty"`
	Artist  string `json:"artist,omitempty"`
	Votes   int    `json:"votes"`
}

// Tally is the per-event vote standing, ordered by descending vote count.
type Tally struct {
	EventID string       `json:"eventId"`
	Entries []TallyEntry `json:"entries"`
}

// ============================================================================
// Playlists
// ============================================================================

type Track struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Artist   string `json:"artist,omitempty"`
	Album    string `json:"album,omitempty"`
	Duration int    `json:"durationSeconds,omitempty"`
	Position int    `json:"position"`
	AddedBy  string `json:"addedBy,omitempty"`
}

type Playlist struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	OwnerID       string    `json:"ownerId"`
	Collaborative bool      `json:"collaborative,omitempty"`
	Tracks        []Track   `json:"tracks,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt,omitempty"`
}

type CreatePlaylistOptions struct {
	Name          string `json:"name"`
	Collaborative bool   `json:"collaborative,omitempty"`
}

type UpdatePlaylistOptions struct {
	Name          *string `json:"name,omitempty"`
	Collaborative *bool   `json:"collaborative,omitempty"`
}

type AddTrackOptions struct {
	Title    string `json:"title"`
	Artist   string `json:"artist,omitempty"`
	Album    string `json:"album,omitempty"`
	Duration int    `json:"durationSeconds,omitempty"`
	// ProviderID identifies the track at the music provider, from search results.
	ProviderID string `json:"providerId,omitempty"`
}

// ============================================================================
// Invites
// ============================================================================

type Invite struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username,omitempty"`
	InvitedBy string    `json:"invitedBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ============================================================================
// Music search
// ============================================================================

type MusicSearchResult struct {
	ProviderID string `json:"providerId"`
	Title      string `json:"title"`
	Artist     string `json:"artist,omitempty"`
	Album      string `json:"album,omitempty"`
	Duration   int    `json:"durationSeconds,omitempty"`
}
