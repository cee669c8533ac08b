package repo

import (
	"context"
	"database/sql"
	"errors"

	"claimledger/internal/domain"
)

// UpsertReserveLine writes the allocated and paid totals of a line.
func (r Repo) UpsertReserveLine(ctx context.Context, tx *sql.Tx, l domain.ReserveLine) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reserve_lines(claim_number,line_type,currency,allocated,paid_to_date,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(claim_number,line_type) DO UPDATE SET allocated=excluded.allocated, paid_to_date=excluded.paid_to_date, updated_at=excluded.updated_at`,
		l.ClaimNumber, string(l.Type), l.Allocated.Currency(), l.Allocated.String(), l.PaidToDate.String(), formatTime(l.UpdatedAt))
	return err
}

func (r Repo) GetReserveLineTx(ctx context.Context, tx *sql.Tx, claimNumber string, line domain.LineType) (domain.ReserveLine, error) {
	rows, err := tx.QueryContext(ctx, `SELECT claim_number,line_type,currency,allocated,paid_to_date,updated_at FROM reserve_lines WHERE claim_number=? AND line_type=?`,
		claimNumber, string(line))
	if err != nil {
		return domain.ReserveLine{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.ReserveLine{}, err
		}
		return domain.ReserveLine{}, ErrNotFound
	}
	return scanReserveLine(rows)
}

func (r Repo) ListReserveLines(ctx context.Context, claimNumber string) ([]domain.ReserveLine, error) {
	return listReserveLines(ctx, r.DB, claimNumber)
}

func (r Repo) ListReserveLinesTx(ctx context.Context, tx *sql.Tx, claimNumber string) ([]domain.ReserveLine, error) {
	return listReserveLines(ctx, tx, claimNumber)
}

func listReserveLines(ctx context.Context, q queryer, claimNumber string) ([]domain.ReserveLine, error) {
	rows, err := q.QueryContext(ctx, `SELECT claim_number,line_type,currency,allocated,paid_to_date,updated_at FROM reserve_lines WHERE claim_number=?
ORDER BY CASE line_type WHEN 'INDEMNITY' THEN 0 WHEN 'EXPENSE' THEN 1 WHEN 'MEDICAL' THEN 2 ELSE 3 END`, claimNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReserveLine
	for rows.Next() {
		l, err := scanReserveLine(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func scanReserveLine(rows *sql.Rows) (domain.ReserveLine, error) {
	var l domain.ReserveLine
	var lineType, currency, allocated, paid, updatedAt string
	if err := rows.Scan(&l.ClaimNumber, &lineType, &currency, &allocated, &paid, &updatedAt); err != nil {
		return l, err
	}
	l.Type = domain.LineType(lineType)
	var err error
	if l.Allocated, err = parseAmount(allocated, currency); err != nil {
		return l, err
	}
	if l.PaidToDate, err = parseAmount(paid, currency); err != nil {
		return l, err
	}
	if l.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return l, err
	}
	return l, nil
}

// ReserveLineOrZeroTx returns the stored line or an empty one in currency.
func (r Repo) ReserveLineOrZeroTx(ctx context.Context, tx *sql.Tx, claimNumber string, line domain.LineType, currency string) (domain.ReserveLine, error) {
	l, err := r.GetReserveLineTx(ctx, tx, claimNumber, line)
	if errors.Is(err, ErrNotFound) {
		return domain.ReserveLine{ClaimNumber: claimNumber, Type: line, Allocated: zero(currency), PaidToDate: zero(currency)}, nil
	}
	return l, err
}
