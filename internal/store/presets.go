package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AddPreset inserts a preset and returns it with the assigned id.
func (s *Store) AddPreset(ctx context.Context, p *Preset) (*Preset, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO presets (name, prompt, temperature, max_tokens) VALUES (?, ?, ?, ?)`,
		p.Name, p.Prompt, p.Temperature, p.MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to insert preset: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get preset id: %w", err)
	}
	return s.GetPreset(ctx, id)
}

// GetPreset returns a preset by id.
func (s *Store) GetPreset(ctx context.Context, id int64) (*Preset, error) {
	var p Preset
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, prompt, temperature, max_tokens FROM presets WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Prompt, &p.Temperature, &p.MaxTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preset: %w", err)
	}
	return &p, nil
}

// GetPresets returns all presets.
func (s *Store) GetPresets(ctx context.Context) ([]*Preset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, prompt, temperature, max_tokens FROM presets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query presets: %w", err)
	}
	defer rows.Close()

	var presets []*Preset
	for rows.Next() {
		var p Preset
		if err := rows.Scan(&p.ID, &p.Name, &p.Prompt, &p.Temperature, &p.MaxTokens); err != nil {
			return nil, fmt.Errorf("failed to scan preset: %w", err)
		}
		presets = append(presets, &p)
	}
	return presets, rows.Err()
}

// UpdatePreset persists all fields of a preset.
func (s *Store) UpdatePreset(ctx context.Context, p *Preset) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE presets SET name = ?, prompt = ?, temperature = ?, max_tokens = ? WHERE id = ?`,
		p.Name, p.Prompt, p.Temperature, p.MaxTokens, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update preset: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePreset removes a preset and detaches it from any conversations.
func (s *Store) DeletePreset(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET preset_id = NULL WHERE preset_id = ?`, id); err != nil {
			return fmt.Errorf("failed to detach preset: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM presets WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete preset: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check delete: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
