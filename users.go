package crowdmix

import (
	"context"
	"net/http"
)

// ============================================================================
// Users & music search API
// ============================================================================

// UsersClient handles the current user, user search, and music search.
type UsersClient struct {
	client *Client
}

const keyFriends = "/users/me/friends"

// Me returns the authenticated user's profile.
func (u *UsersClient) Me(ctx context.Context) (*User, error) {
	data, err := u.client.call(ctx, http.MethodGet, "/users/me", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data, "user")
}

// ListFriends returns the user's friends, cached for DefaultReadTTL with
// concurrent callers sharing one fetch.
func (u *UsersClient) ListFriends(ctx context.Context) ([]User, error) {
	return CachedFetch(ctx, u.client.cache, keyFriends, DefaultReadTTL, func(ctx context.Context) ([]User, error) {
		data, err := u.client.call(ctx, http.MethodGet, "/users/me/friends", nil, nil)
		if err != nil {
			return nil, err
		}
		friends, derr := decodeJSON[[]User](data, "friends")
		if derr != nil {
			return nil, derr
		}
		return *friends, nil
	})
}

// Search finds users by name or handle.
func (u *UsersClient) Search(ctx context.Context, query string) ([]User, error) {
	data, err := u.client.call(ctx, http.MethodGet, "/users/search", nil, map[string]string{"query": query})
	if err != nil {
		return nil, err
	}
	users, derr := decodeJSON[[]User](data, "users")
	if derr != nil {
		return nil, derr
	}
	return *users, nil
}

// SearchMusic searches the music catalog for tracks to add.
func (u *UsersClient) SearchMusic(ctx context.Context, query string) ([]MusicSearchResult, error) {
	data, err := u.client.call(ctx, http.MethodGet, "/music/search", nil, map[string]string{"query": query})
	if err != nil {
		return nil, err
	}
	results, derr := decodeJSON[[]MusicSearchResult](data, "music search results")
	if derr != nil {
		return nil, derr
	}
	return *results, nil
}
