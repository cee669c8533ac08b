package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"claimledger/internal/domain"
	"claimledger/internal/money"
)

const claimColumns = `claim_number,policy_number,policy_version,policy_status,policy_snapshot_json,loss_type,loss_date,description,status,currency,overrides_json,reserve_ceiling,line_ceilings_json,allowed_methods_json,opened_at,closed_at,updated_at`

type claimJSON struct {
	snapshot     string
	overrides    string
	lineCeilings string
	methods      string
}

func encodeClaim(c domain.Claim) (claimJSON, error) {
	var out claimJSON
	snap, err := json.Marshal(c.Policy)
	if err != nil {
		return out, fmt.Errorf("encode policy snapshot: %w", err)
	}
	overrides := c.Overrides
	if overrides == nil {
		overrides = map[string]domain.Override{}
	}
	ov, err := json.Marshal(overrides)
	if err != nil {
		return out, fmt.Errorf("encode overrides: %w", err)
	}
	ceilings := map[domain.LineType]string{}
	for line, amt := range c.LineCeilings {
		ceilings[line] = amt.String()
	}
	lc, err := json.Marshal(ceilings)
	if err != nil {
		return out, err
	}
	methods := c.AllowedMethods
	if methods == nil {
		methods = []domain.PaymentMethod{}
	}
	m, err := json.Marshal(methods)
	if err != nil {
		return out, err
	}
	return claimJSON{snapshot: string(snap), overrides: string(ov), lineCeilings: string(lc), methods: string(m)}, nil
}

func ceilingValue(c domain.Claim) any {
	if c.ReserveCeiling == nil {
		return nil
	}
	return c.ReserveCeiling.String()
}

func (r Repo) InsertClaim(ctx context.Context, tx *sql.Tx, c domain.Claim) error {
	enc, err := encodeClaim(c)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO claims(`+claimColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.Number, c.PolicyNumber, c.PolicyVersion, string(c.PolicyStatus), enc.snapshot, c.LossType, formatTime(c.LossDate),
		nullable(c.Description), string(c.Status), c.Currency, enc.overrides, ceilingValue(c), enc.lineCeilings, enc.methods,
		formatTime(c.OpenedAt), formatTimePtr(c.ClosedAt), formatTime(c.UpdatedAt))
	return err
}

// UpdateClaim rewrites the mutable parts of a claim.
func (r Repo) UpdateClaim(ctx context.Context, tx *sql.Tx, c domain.Claim) error {
	enc, err := encodeClaim(c)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE claims SET policy_version=?, policy_status=?, policy_snapshot_json=?, status=?, overrides_json=?, reserve_ceiling=?, line_ceilings_json=?, allowed_methods_json=?, closed_at=?, updated_at=? WHERE claim_number=?`,
		c.PolicyVersion, string(c.PolicyStatus), enc.snapshot, string(c.Status), enc.overrides, ceilingValue(c), enc.lineCeilings, enc.methods,
		formatTimePtr(c.ClosedAt), formatTime(c.UpdatedAt), c.Number)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetClaim(ctx context.Context, number string) (domain.Claim, error) {
	return getClaim(ctx, r.DB, number)
}

func (r Repo) GetClaimTx(ctx context.Context, tx *sql.Tx, number string) (domain.Claim, error) {
	return getClaim(ctx, tx, number)
}

func getClaim(ctx context.Context, q queryer, number string) (domain.Claim, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE claim_number=?`, number)
	if err != nil {
		return domain.Claim{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.Claim{}, err
		}
		return domain.Claim{}, ErrNotFound
	}
	return scanClaim(rows)
}

func scanClaim(rows *sql.Rows) (domain.Claim, error) {
	var c domain.Claim
	var policyStatus, status, snapshot, overrides, lineCeilings, methods, lossDate, openedAt, updatedAt string
	var description, ceiling, closedAt sql.NullString
	if err := rows.Scan(&c.Number, &c.PolicyNumber, &c.PolicyVersion, &policyStatus, &snapshot, &c.LossType, &lossDate, &description,
		&status, &c.Currency, &overrides, &ceiling, &lineCeilings, &methods, &openedAt, &closedAt, &updatedAt); err != nil {
		return c, err
	}
	c.PolicyStatus = domain.PolicyStatus(policyStatus)
	c.Status = domain.ClaimStatus(status)
	c.Description = description.String
	if err := json.Unmarshal([]byte(snapshot), &c.Policy); err != nil {
		return c, fmt.Errorf("claim %s snapshot: %w", c.Number, err)
	}
	if err := json.Unmarshal([]byte(overrides), &c.Overrides); err != nil {
		return c, fmt.Errorf("claim %s overrides: %w", c.Number, err)
	}
	if c.Overrides == nil {
		c.Overrides = map[string]domain.Override{}
	}
	if err := json.Unmarshal([]byte(methods), &c.AllowedMethods); err != nil {
		return c, fmt.Errorf("claim %s methods: %w", c.Number, err)
	}
	var lc map[domain.LineType]string
	if err := json.Unmarshal([]byte(lineCeilings), &lc); err != nil {
		return c, fmt.Errorf("claim %s line ceilings: %w", c.Number, err)
	}
	if len(lc) > 0 {
		c.LineCeilings = make(map[domain.LineType]money.Amount, len(lc))
		for line, v := range lc {
			amt, err := parseAmount(v, c.Currency)
			if err != nil {
				return c, err
			}
			c.LineCeilings[line] = amt
		}
	}
	if ceiling.Valid {
		amt, err := parseAmount(ceiling.String, c.Currency)
		if err != nil {
			return c, err
		}
		c.ReserveCeiling = &amt
	}
	var err error
	if c.LossDate, err = parseTime(lossDate); err != nil {
		return c, err
	}
	if c.OpenedAt, err = parseTime(openedAt); err != nil {
		return c, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return c, err
	}
	if c.ClosedAt, err = parseTimePtr(closedAt); err != nil {
		return c, err
	}
	return c, nil
}

type ClaimFilters struct {
	PolicyNumber string
	Status       domain.ClaimStatus
	Limit        int
}

func (r Repo) ListClaims(ctx context.Context, f ClaimFilters) ([]domain.Claim, error) {
	var clauses []string
	var args []any
	if f.PolicyNumber != "" {
		clauses = append(clauses, "policy_number=?")
		args = append(args, f.PolicyNumber)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + claimColumns + ` FROM claims ` + where + ` ORDER BY opened_at DESC, claim_number DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
