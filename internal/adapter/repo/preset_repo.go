package repo

import (
	"context"
	"fmt"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/sqlinline"
)

// PresetRepositoryPG implements domain.PresetRepository.
type PresetRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewPresetRepository creates a preset repository backed by PostgreSQL.
func NewPresetRepository(sql infra.SQLExecutor) *PresetRepositoryPG {
	return &PresetRepositoryPG{sql: sql}
}

func (r *PresetRepositoryPG) GetActive(ctx context.Context, presetID string) (*domain.Preset, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QSelectActivePreset, presetID)
	var p domain.Preset
	if err := row.Scan(&p.ID, &p.Name, &p.Provider, &p.PromptTemplate, &p.Credits, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrPresetNotFound
		}
		return nil, fmt.Errorf("presets: get: %w", err)
	}
	return &p, nil
}

func (r *PresetRepositoryPG) ListActive(ctx context.Context) ([]domain.Preset, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListActivePresets)
	if err != nil {
		return nil, fmt.Errorf("presets: list: %w", err)
	}
	defer rows.Close()

	var presets []domain.Preset
	for rows.Next() {
		var p domain.Preset
		if err := rows.Scan(&p.ID, &p.Name, &p.Provider, &p.PromptTemplate, &p.Credits, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("presets: scan: %w", err)
		}
		presets = append(presets, p)
	}
	return presets, rows.Err()
}

var _ domain.PresetRepository = (*PresetRepositoryPG)(nil)
