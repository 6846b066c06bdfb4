package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/sqlinline"
)

// GenerationRepositoryPG implements domain.GenerationRepository. Status
// transitions are conditional UPDATEs; a false return reports that the row
// was not in the expected status and nothing was written.
type GenerationRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewGenerationRepository creates a generation repository backed by PostgreSQL.
func NewGenerationRepository(sql infra.SQLExecutor) *GenerationRepositoryPG {
	return &GenerationRepositoryPG{sql: sql}
}

func (r *GenerationRepositoryPG) Create(ctx context.Context, g *domain.Generation) error {
	inputValues, err := json.Marshal(g.InputValues)
	if err != nil {
		return fmt.Errorf("generations: encode input values: %w", err)
	}
	_, err = r.sql.Exec(ctx, sqlinline.QInsertGeneration,
		g.ID,
		g.UserID,
		g.PresetID,
		g.Provider,
		inputValues,
		g.SourceImageRef,
		g.OutputSize,
		g.CreditsUsed,
	)
	if err != nil {
		return fmt.Errorf("generations: create: %w", err)
	}
	return nil
}

func (r *GenerationRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Generation, error) {
	return scanGeneration(r.sql.QueryRow(ctx, sqlinline.QSelectGeneration, id))
}

func (r *GenerationRepositoryPG) GetForUser(ctx context.Context, id, userID string) (*domain.Generation, error) {
	return scanGeneration(r.sql.QueryRow(ctx, sqlinline.QSelectGenerationForUser, id, userID))
}

func (r *GenerationRepositoryPG) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Generation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.sql.Query(ctx, sqlinline.QListGenerationsByUser, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("generations: list: %w", err)
	}
	defer rows.Close()

	var items []domain.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *g)
	}
	return items, rows.Err()
}

func (r *GenerationRepositoryPG) MarkRunning(ctx context.Context, id string) (bool, error) {
	return r.transition(ctx, sqlinline.QMarkGenerationRunning, id)
}

func (r *GenerationRepositoryPG) MarkCompleted(ctx context.Context, id, outputURL string) (bool, error) {
	return r.transition(ctx, sqlinline.QMarkGenerationCompleted, id, outputURL)
}

func (r *GenerationRepositoryPG) MarkFailed(ctx context.Context, id, errorMessage string) (bool, error) {
	return r.transition(ctx, sqlinline.QMarkGenerationFailed, id, errorMessage)
}

func (r *GenerationRepositoryPG) MarkCancelled(ctx context.Context, id string) (bool, error) {
	return r.transition(ctx, sqlinline.QMarkGenerationCancelled, id)
}

func (r *GenerationRepositoryPG) transition(ctx context.Context, query string, args ...any) (bool, error) {
	tag, err := r.sql.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("generations: transition: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanGeneration(row pgx.Row) (*domain.Generation, error) {
	var g domain.Generation
	var inputValues []byte
	if err := row.Scan(
		&g.ID,
		&g.UserID,
		&g.PresetID,
		&g.Provider,
		&inputValues,
		&g.SourceImageRef,
		&g.OutputSize,
		&g.CreditsUsed,
		&g.Status,
		&g.OutputURL,
		&g.ErrorMessage,
		&g.Refunded,
		&g.CreatedAt,
		&g.UpdatedAt,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("generations: scan: %w", err)
	}
	if len(inputValues) > 0 {
		if err := json.Unmarshal(inputValues, &g.InputValues); err != nil {
			return nil, fmt.Errorf("generations: decode input values: %w", err)
		}
	}
	return &g, nil
}

var _ domain.GenerationRepository = (*GenerationRepositoryPG)(nil)
