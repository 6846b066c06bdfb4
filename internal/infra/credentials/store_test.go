package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"server/internal/domain"
)

type stubExecutor struct {
	token string
	err   error
	exec  struct {
		query string
		args  []any
	}
}

func (s *stubExecutor) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.exec.query = query
	s.exec.args = args
	return pgconn.CommandTag{}, s.err
}

func (s *stubExecutor) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return stubRow{token: s.token, err: s.err}
}

func (s *stubExecutor) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

type stubRow struct {
	token string
	err   error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) == 0 {
		return errors.New("no dest")
	}
	ptr, ok := dest[0].(*string)
	if !ok {
		return errors.New("invalid dest")
	}
	*ptr = r.token
	return nil
}

func TestAPIKeyTrimsToken(t *testing.T) {
	store := NewStore(&stubExecutor{token: " sk-bfl "})
	key, err := store.APIKey(context.Background(), domain.ProviderFluxDev)
	if err != nil {
		t.Fatalf("APIKey error: %v", err)
	}
	if key != "sk-bfl" {
		t.Fatalf("expected sk-bfl, got %q", key)
	}
}

func TestAPIKeyNoRows(t *testing.T) {
	store := NewStore(&stubExecutor{err: pgx.ErrNoRows})
	key, err := store.APIKey(context.Background(), domain.ProviderOpenAI)
	if err != nil {
		t.Fatalf("APIKey error: %v", err)
	}
	if key != "" {
		t.Fatalf("expected empty key, got %q", key)
	}
}

func TestSetAPIKey(t *testing.T) {
	exec := &stubExecutor{}
	store := NewStore(exec)
	if err := store.SetAPIKey(context.Background(), domain.ProviderSeedream, "secret"); err != nil {
		t.Fatalf("SetAPIKey error: %v", err)
	}
	if len(exec.exec.args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(exec.exec.args))
	}
	if v, ok := exec.exec.args[0].(string); !ok || v != string(domain.ProviderSeedream) {
		t.Fatalf("expected provider argument, got %T %v", exec.exec.args[0], exec.exec.args[0])
	}
	if v, ok := exec.exec.args[1].(string); !ok || v != "secret" {
		t.Fatalf("expected secret argument, got %T %v", exec.exec.args[1], exec.exec.args[1])
	}
}

func TestSetAPIKeyEmpty(t *testing.T) {
	store := NewStore(&stubExecutor{})
	if err := store.SetAPIKey(context.Background(), domain.ProviderOpenAI, " "); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestResolvePrefersStoredKey(t *testing.T) {
	store := NewStore(&stubExecutor{token: "db-key"})
	if got := store.Resolve(context.Background(), domain.ProviderOpenAI, "env-key"); got != "db-key" {
		t.Fatalf("expected db-key, got %q", got)
	}
}

func TestResolveFallsBackToEnv(t *testing.T) {
	store := NewStore(&stubExecutor{err: pgx.ErrNoRows})
	if got := store.Resolve(context.Background(), domain.ProviderOpenAI, " env-key "); got != "env-key" {
		t.Fatalf("expected env-key, got %q", got)
	}
}
