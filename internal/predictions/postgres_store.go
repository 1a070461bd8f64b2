package predictions

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore implements Store on the predictions table created by the
// embedded migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed prediction store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &postgresTx{tx: tx}, nil
}

func (p *PostgresStore) ListByEmail(ctx context.Context, email string, opts ListOptions) ([]*Record, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	var (
		rows *sql.Rows
		err  error
	)
	if c := opts.Cursor; c != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, user_email, risk_score, decision, worker_mode, created_at
			FROM predictions
			WHERE user_email = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, email, c.CreatedAt, c.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, user_email, risk_score, decision, worker_mode, created_at
			FROM predictions
			WHERE user_email = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, email, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		r := &Record{}
		if err := rows.Scan(&r.ID, &r.UserEmail, &r.RiskScore, &r.Decision, &r.WorkerMode, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) Append(ctx context.Context, r *Record) error {
	if err := r.validate(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO predictions (id, user_email, risk_score, decision, worker_mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, r.ID, r.UserEmail, r.RiskScore, string(r.Decision), r.WorkerMode, r.CreatedAt)
	if errors.Is(err, sql.ErrTxDone) {
		return ErrTxDone
	}
	return err
}

func (t *postgresTx) Commit() error {
	err := t.tx.Commit()
	if errors.Is(err, sql.ErrTxDone) {
		return ErrTxDone
	}
	return err
}

func (t *postgresTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
