package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"claimledger/internal/crypt"
	"claimledger/internal/domain"
)

// PolicyStore is a local stand-in for the policy administration system. It
// keeps designated policy fields sealed at rest.
type PolicyStore struct {
	DB      *sql.DB
	Gateway *crypt.Gateway
	Now     func() time.Time
}

// GetPolicy returns the current version of a policy with sealed fields opened.
func (s PolicyStore) GetPolicy(ctx context.Context, number string) (domain.Policy, error) {
	var data string
	err := s.DB.QueryRowContext(ctx, `SELECT data_json FROM policies WHERE policy_number=?`, number).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Policy{}, ErrNotFound
	}
	if err != nil {
		return domain.Policy{}, err
	}
	var p domain.Policy
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return p, fmt.Errorf("decode policy %s: %w", number, err)
	}
	if s.Gateway != nil {
		if p, err = crypt.OpenPolicy(s.Gateway, p); err != nil {
			return p, fmt.Errorf("open policy %s: %w", number, err)
		}
	}
	return p, nil
}

// UpsertPolicy stores p. A policy that already exists is amended: its version
// is bumped unless the caller supplied a newer one.
func (s PolicyStore) UpsertPolicy(ctx context.Context, p domain.Policy) (domain.Policy, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	var current int
	err = tx.QueryRowContext(ctx, `SELECT version FROM policies WHERE policy_number=?`, p.Number).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if p.Version <= 0 {
			p.Version = 1
		}
	case err != nil:
		return p, err
	default:
		if p.Version <= current {
			p.Version = current + 1
		}
	}
	stored := p
	if s.Gateway != nil {
		if stored, err = crypt.SealPolicy(s.Gateway, p); err != nil {
			return p, err
		}
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return p, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO policies(policy_number,version,status,currency,data_json,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(policy_number) DO UPDATE SET version=excluded.version, status=excluded.status, currency=excluded.currency, data_json=excluded.data_json, updated_at=excluded.updated_at`,
		p.Number, p.Version, string(p.Status), p.Currency, string(data), formatTime(now())); err != nil {
		return p, err
	}
	return p, tx.Commit()
}

// ListPolicies returns policy numbers with version and status.
func (s PolicyStore) ListPolicies(ctx context.Context) ([]domain.Policy, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT policy_number,version,status,currency FROM policies ORDER BY policy_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Policy
	for rows.Next() {
		var p domain.Policy
		var status string
		if err := rows.Scan(&p.Number, &p.Version, &status, &p.Currency); err != nil {
			return nil, err
		}
		p.Status = domain.PolicyStatus(status)
		res = append(res, p)
	}
	return res, rows.Err()
}
