package crowdmix

import (
	"context"
	"net/http"
)

// ============================================================================
// Auth API
// ============================================================================

// AuthClient handles login, registration, and password recovery. Token
// refresh is not here: the Executor drives it transparently on 401.
type AuthClient struct {
	client *Client
}

// AuthResult is the server response to login and registration.
type AuthResult struct {
	User         User   `json:"user"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Login authenticates with username and password and stores the returned
// token pair in the credential store.
func (a *AuthClient) Login(ctx context.Context, username, password string) (*User, error) {
	return a.authenticate(ctx, "/auth/login", map[string]string{
		"username": username,
		"password": password,
	})
}

// Register creates an account and stores the returned token pair.
func (a *AuthClient) Register(ctx context.Context, username, email, password string) (*User, error) {
	return a.authenticate(ctx, "/auth/register", map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	})
}

func (a *AuthClient) authenticate(ctx context.Context, path string, body map[string]string) (*User, error) {
	data, err := a.client.call(ctx, http.MethodPost, path, body, nil)
	if err != nil {
		return nil, err
	}
	result, derr := decodeJSON[AuthResult](data, "auth response")
	if derr != nil {
		return nil, derr
	}
	if err := a.client.creds.Store(ctx, Credentials{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
	}); err != nil {
		return nil, err
	}
	return &result.User, nil
}

// Logout clears the stored credentials. It does not publish SessionExpired:
// an explicit logout is a user decision, not a session failure.
func (a *AuthClient) Logout(ctx context.Context) error {
	return a.client.creds.Clear(ctx)
}

// ForgotPassword requests a password reset email.
func (a *AuthClient) ForgotPassword(ctx context.Context, email string) error {
	_, err := a.client.call(ctx, http.MethodPost, "/auth/forgot-password",
		map[string]string{"email": email}, nil)
	return err
}

// ResetPassword completes a password reset with the emailed token.
func (a *AuthClient) ResetPassword(ctx context.Context, token, newPassword string) error {
	_, err := a.client.call(ctx, http.MethodPost, "/auth/reset-password",
		map[string]string{"token": token, "password": newPassword}, nil)
	return err
}
