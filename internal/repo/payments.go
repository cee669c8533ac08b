package repo

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"claimledger/internal/domain"
	"claimledger/internal/money"
)

const paymentColumns = `id,claim_number,line_type,amount,currency,method,status,reason,payee_sealed,memo,rail_reference,created_by,created_at,void_eligible_until,settled_at,voided_at,disbursing_since`

// InsertPayment stores p as given; Payee must already be sealed.
func (r Repo) InsertPayment(ctx context.Context, tx *sql.Tx, p domain.Payment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO payments(`+paymentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ClaimNumber, string(p.Line), p.Amount.String(), p.Amount.Currency(), string(p.Method), string(p.Status),
		nullable(string(p.Reason)), nullable(p.Payee), nullable(p.Memo), nullable(p.RailReference), p.CreatedBy,
		formatTime(p.CreatedAt), formatTime(p.VoidEligibleTil), formatTimePtr(p.SettledAt), formatTimePtr(p.VoidedAt), formatTimePtr(p.DisbursingSince))
	return err
}

// UpdatePaymentState writes the lifecycle columns of p.
func (r Repo) UpdatePaymentState(ctx context.Context, tx *sql.Tx, p domain.Payment) error {
	res, err := tx.ExecContext(ctx, `UPDATE payments SET status=?, reason=?, rail_reference=?, settled_at=?, voided_at=?, disbursing_since=? WHERE id=?`,
		string(p.Status), nullable(string(p.Reason)), nullable(p.RailReference), formatTimePtr(p.SettledAt), formatTimePtr(p.VoidedAt),
		formatTimePtr(p.DisbursingSince), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetPayment(ctx context.Context, id string) (domain.Payment, error) {
	return getPayment(ctx, r.DB, id)
}

func (r Repo) GetPaymentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Payment, error) {
	return getPayment(ctx, tx, id)
}

func getPayment(ctx context.Context, q queryer, id string) (domain.Payment, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=?`, id)
	if err != nil {
		return domain.Payment{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.Payment{}, err
		}
		return domain.Payment{}, ErrNotFound
	}
	return scanPayment(rows)
}

type PaymentFilters struct {
	ClaimNumber string
	Line        domain.LineType
	Status      domain.PaymentStatus
}

func (r Repo) ListPayments(ctx context.Context, f PaymentFilters) ([]domain.Payment, error) {
	return listPayments(ctx, r.DB, f)
}

func (r Repo) ListPaymentsTx(ctx context.Context, tx *sql.Tx, f PaymentFilters) ([]domain.Payment, error) {
	return listPayments(ctx, tx, f)
}

func listPayments(ctx context.Context, q queryer, f PaymentFilters) ([]domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE claim_number=?`
	args := []any{f.ClaimNumber}
	if f.Line != "" {
		query += " AND line_type=?"
		args = append(args, string(f.Line))
	}
	if f.Status != "" {
		query += " AND status=?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY created_at ASC, id ASC"
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// PendingTotalTx sums PENDING payments on a line. Amounts are stored as exact
// decimal text, so the sum is done here rather than in SQL.
func (r Repo) PendingTotalTx(ctx context.Context, tx *sql.Tx, claimNumber string, line domain.LineType, currency string) (money.Amount, error) {
	rows, err := tx.QueryContext(ctx, `SELECT amount FROM payments WHERE claim_number=? AND line_type=? AND status='PENDING'`, claimNumber, string(line))
	if err != nil {
		return money.Amount{}, err
	}
	defer rows.Close()
	total := decimal.Zero
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return money.Amount{}, err
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return money.Amount{}, err
		}
		total = total.Add(d)
	}
	return money.New(total, currency), rows.Err()
}

func (r Repo) CountPendingTx(ctx context.Context, tx *sql.Tx, claimNumber string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments WHERE claim_number=? AND status='PENDING'`, claimNumber).Scan(&n)
	return n, err
}

func scanPayment(rows *sql.Rows) (domain.Payment, error) {
	var p domain.Payment
	var line, amount, currency, method, status, createdAt, voidUntil string
	var reason, payee, memo, railRef, settledAt, voidedAt, disbursing sql.NullString
	if err := rows.Scan(&p.ID, &p.ClaimNumber, &line, &amount, &currency, &method, &status, &reason, &payee, &memo, &railRef,
		&p.CreatedBy, &createdAt, &voidUntil, &settledAt, &voidedAt, &disbursing); err != nil {
		return p, err
	}
	p.Line = domain.LineType(line)
	p.Method = domain.PaymentMethod(method)
	p.Status = domain.PaymentStatus(status)
	p.Reason = domain.VoidReason(reason.String)
	p.Payee = payee.String
	p.Memo = memo.String
	p.RailReference = railRef.String
	var err error
	if p.Amount, err = parseAmount(amount, currency); err != nil {
		return p, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, err
	}
	if p.VoidEligibleTil, err = parseTime(voidUntil); err != nil {
		return p, err
	}
	if p.SettledAt, err = parseTimePtr(settledAt); err != nil {
		return p, err
	}
	if p.VoidedAt, err = parseTimePtr(voidedAt); err != nil {
		return p, err
	}
	if p.DisbursingSince, err = parseTimePtr(disbursing); err != nil {
		return p, err
	}
	return p, nil
}

func zero(currency string) money.Amount {
	return money.Zero(currency)
}
