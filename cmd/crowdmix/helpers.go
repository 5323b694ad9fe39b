package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/crowdmix-app/crowdmix-go"
)

// ============================================================================
// Credential store backed by the config file
// ============================================================================

// fileCredentialStore keeps the token pair in the [auth] section of the config
// file, so a refresh performed mid-command survives to the next invocation.
type fileCredentialStore struct {
	mu sync.Mutex
}

func (s *fileCredentialStore) Credentials(ctx context.Context) (crowdmix.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := loadConfig()
	if err != nil {
		return crowdmix.Credentials{}, err
	}
	return crowdmix.Credentials{
		AccessToken:  cfg.Auth.AccessToken,
		RefreshToken: cfg.Auth.RefreshToken,
	}, nil
}

func (s *fileCredentialStore) Store(ctx context.Context, creds crowdmix.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Auth.AccessToken = creds.AccessToken
	cfg.Auth.RefreshToken = creds.RefreshToken
	return saveConfig(cfg)
}

func (s *fileCredentialStore) Clear(ctx context.Context) error {
	return s.Store(ctx, crowdmix.Credentials{})
}

// ============================================================================
// SDK client construction
// ============================================================================

// resolveBaseURL picks the backend from env overrides, then the config file,
// then the hosted default. A custom backend needs an explicit URL.
func resolveBaseURL(cfg *Config, o envOverrides) []crowdmix.ClientOption {
	backend := cfg.Default.Backend
	baseURL := cfg.Default.BaseURL
	if o.Backend != "" {
		backend = o.Backend
	}
	if o.BaseURL != "" {
		backend = "custom"
		baseURL = o.BaseURL
	}

	switch backend {
	case "local":
		return []crowdmix.ClientOption{crowdmix.WithEnvironment(crowdmix.Local)}
	case "custom":
		if baseURL != "" {
			return []crowdmix.ClientOption{crowdmix.WithBaseURL(baseURL)}
		}
	}
	return []crowdmix.ClientOption{crowdmix.WithEnvironment(crowdmix.Hosted)}
}

// newSDKClient builds a client from the config file plus environment
// overrides, with file-backed credentials and snapshots under ~/.crowdmix.
func newSDKClient() (*crowdmix.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	o, err := loadEnvOverrides()
	if err != nil {
		return nil, err
	}
	dir, err := configDir()
	if err != nil {
		return nil, err
	}

	log := zerolog.Nop()
	if o.Debug {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(zerolog.DebugLevel).
			With().Timestamp().Logger()
	}

	snapshots, err := crowdmix.NewFileSnapshotStore(filepath.Join(dir, "snapshots"))
	if err != nil {
		return nil, err
	}

	opts := resolveBaseURL(cfg, o)
	opts = append(opts,
		crowdmix.WithLogger(log),
		crowdmix.WithSnapshotStore(snapshots),
	)
	return crowdmix.NewClient(&fileCredentialStore{}, opts...), nil
}
