package repo

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// NextApprovalSeq atomically allocates the next per-year sequence. floor is the highest
// sequence already in use, so a fresh or stale counter never hands out a used number.
func (r Repo) NextApprovalSeq(ctx context.Context, q sqlx.ExtContext, year, floor int) (int, error) {
	_, err := q.ExecContext(ctx, q.Rebind(`INSERT INTO approval_counters(year, seq) VALUES (?, ?)
ON CONFLICT(year) DO UPDATE SET seq = CASE WHEN approval_counters.seq >= excluded.seq THEN approval_counters.seq + 1 ELSE excluded.seq END`),
		year, floor+1)
	if err != nil {
		return 0, err
	}
	var seq int
	if err := sqlx.GetContext(ctx, q, &seq, q.Rebind(`SELECT seq FROM approval_counters WHERE year=?`), year); err != nil {
		return 0, err
	}
	return seq, nil
}

// TxCounter allocates sequences inside an open transaction.
type TxCounter struct {
	Repo Repo
	Q    sqlx.ExtContext
}

func (c TxCounter) Next(ctx context.Context, year, floor int) (int, error) {
	return c.Repo.NextApprovalSeq(ctx, c.Q, year, floor)
}
