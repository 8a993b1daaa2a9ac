package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/nuka-agents/internal/agent"
)

// SaveBlueprint upserts a custom agent blueprint.
func (s *Store) SaveBlueprint(ctx context.Context, bp *agent.Blueprint) error {
	caps, err := json.Marshal(bp.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	cfg, err := json.Marshal(bp.Config)
	if err != nil {
		return fmt.Errorf("marshal exec config: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO blueprints (id, name, description, capabilities, system_prompt, model, config)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			capabilities = EXCLUDED.capabilities,
			system_prompt = EXCLUDED.system_prompt,
			model = EXCLUDED.model,
			config = EXCLUDED.config,
			deleted = FALSE,
			updated_at = NOW()`,
		bp.ID, bp.Name, bp.Description, caps, bp.SystemPrompt, bp.Model, cfg,
	)
	if err != nil {
		return fmt.Errorf("save blueprint %s: %w", bp.ID, err)
	}
	return nil
}

// GetBlueprint retrieves a blueprint by id.
func (s *Store) GetBlueprint(ctx context.Context, id string) (*agent.Blueprint, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, description, capabilities, system_prompt, model, config
		FROM blueprints WHERE id = $1 AND NOT deleted`, id)
	bp, err := scanBlueprint(row)
	if err != nil {
		return nil, fmt.Errorf("get blueprint %s: %w", id, err)
	}
	return bp, nil
}

// ListBlueprints returns every live blueprint.
func (s *Store) ListBlueprints(ctx context.Context) ([]*agent.Blueprint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, description, capabilities, system_prompt, model, config
		FROM blueprints WHERE NOT deleted
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list blueprints: %w", err)
	}
	defer rows.Close()

	var out []*agent.Blueprint
	for rows.Next() {
		bp, err := scanBlueprint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan blueprint: %w", err)
		}
		out = append(out, bp)
	}
	return out, rows.Err()
}

// DeleteBlueprint soft-deletes a blueprint.
func (s *Store) DeleteBlueprint(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE blueprints SET deleted = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete blueprint %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlueprint(row rowScanner) (*agent.Blueprint, error) {
	var bp agent.Blueprint
	var caps, cfg []byte
	if err := row.Scan(&bp.ID, &bp.Name, &bp.Description, &caps, &bp.SystemPrompt, &bp.Model, &cfg); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(caps, &bp.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	if err := json.Unmarshal(cfg, &bp.Config); err != nil {
		return nil, fmt.Errorf("decode exec config: %w", err)
	}
	return &bp, nil
}
