package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AddProvider inserts a provider record and returns it with the assigned id.
func (s *Store) AddProvider(ctx context.Context, p *Provider) (*Provider, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO providers (name, url, api_key, default_model) VALUES (?, ?, ?, ?)`,
		p.Name, p.URL, p.APIKey, p.DefaultModel)
	if err != nil {
		return nil, fmt.Errorf("failed to insert provider: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get provider id: %w", err)
	}
	return s.GetProvider(ctx, id)
}

// GetProvider returns a provider by id.
func (s *Store) GetProvider(ctx context.Context, id int64) (*Provider, error) {
	var p Provider
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, url, api_key, default_model FROM providers WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.URL, &p.APIKey, &p.DefaultModel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	return &p, nil
}

// GetProviders returns all providers.
func (s *Store) GetProviders(ctx context.Context) ([]*Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, url, api_key, default_model FROM providers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query providers: %w", err)
	}
	defer rows.Close()

	var providers []*Provider
	for rows.Next() {
		var p Provider
		if err := rows.Scan(&p.ID, &p.Name, &p.URL, &p.APIKey, &p.DefaultModel); err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		providers = append(providers, &p)
	}
	return providers, rows.Err()
}

// UpdateProvider persists all fields of a provider.
func (s *Store) UpdateProvider(ctx context.Context, p *Provider) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE providers SET name = ?, url = ?, api_key = ?, default_model = ? WHERE id = ?`,
		p.Name, p.URL, p.APIKey, p.DefaultModel, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update provider: %w", err)
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

// DeleteProvider removes a provider and clears references from conversations.
func (s *Store) DeleteProvider(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET provider = NULL WHERE provider = ?`, id); err != nil {
			return fmt.Errorf("failed to detach provider: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET embedding_provider = NULL WHERE embedding_provider = ?`, id); err != nil {
			return fmt.Errorf("failed to detach embedding provider: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET summary_provider = NULL WHERE summary_provider = ?`, id); err != nil {
			return fmt.Errorf("failed to detach summary provider: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete provider: %w", err)
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
