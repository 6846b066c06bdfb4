package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/sqlinline"
)

// Store holds provider API keys in the database. Deployments that rotate
// keys at runtime write them here; environment variables remain the
// bootstrap default.
type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// APIKey returns the stored key for a provider, or "" when none is set.
func (s *Store) APIKey(ctx context.Context, provider domain.Provider) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, string(provider))
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(token), nil
}

// SetAPIKey stores or rotates a provider key.
func (s *Store) SetAPIKey(ctx context.Context, provider domain.Provider, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("api key is required")
	}
	return s.upsert(ctx, string(provider), key, nil)
}

// Resolve prefers the database key and falls back to the environment value.
func (s *Store) Resolve(ctx context.Context, provider domain.Provider, envValue string) string {
	if s != nil {
		if key, err := s.APIKey(ctx, provider); err == nil && key != "" {
			return key
		}
	}
	return strings.TrimSpace(envValue)
}

func (s *Store) upsert(ctx context.Context, provider, token string, props map[string]any) error {
	payload := props
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, provider, token, raw)
	return err
}
