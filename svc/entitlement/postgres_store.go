package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	ent "github.com/dmitrymomot/quotakit/pkg/entitlement"
	"github.com/dmitrymomot/quotakit/pkg/pg"
)

// PostgresStore keeps state in PostgreSQL. Apply Migrations with pg.Migrate
// before use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an established pool. Panics on nil pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("entitlement: nil postgres pool")
	}
	return &PostgresStore{pool: pool}
}

const upsertCredits = `
INSERT INTO daily_credits (user_id, credits_date, credits_limit)
VALUES ($1, $2, $3)
ON CONFLICT (user_id, credits_date) DO NOTHING`

func (s *PostgresStore) Credits(ctx context.Context, userID string, day time.Time, limit int) (Credits, error) {
	if _, err := s.pool.Exec(ctx, upsertCredits, userID, day, limit); err != nil {
		return Credits{}, errors.Join(ErrStore, err)
	}
	c := Credits{UserID: userID, Day: day}
	err := s.pool.QueryRow(ctx,
		`SELECT credits_used, credits_limit FROM daily_credits WHERE user_id = $1 AND credits_date = $2`,
		userID, day,
	).Scan(&c.Used, &c.Limit)
	if err != nil {
		return Credits{}, errors.Join(ErrStore, err)
	}
	return c, nil
}

func (s *PostgresStore) SpendCredit(ctx context.Context, p SpendParams) (SpendResult, error) {
	res, err := s.spendCredit(ctx, p)
	if pg.IsDuplicateKeyError(err) {
		// A concurrent request with the same session won the insert.
		c, err := s.Credits(ctx, p.UserID, p.Day, p.Limit)
		if err != nil {
			return SpendResult{}, err
		}
		return SpendResult{Credits: c, Spent: true, Replayed: true}, nil
	}
	if pg.IsCheckViolationError(err) {
		// The counter row enforces used <= limit on its own.
		c, err := s.Credits(ctx, p.UserID, p.Day, p.Limit)
		if err != nil {
			return SpendResult{}, err
		}
		return SpendResult{Credits: c}, nil
	}
	if err != nil {
		return SpendResult{}, errors.Join(ErrStore, err)
	}
	return res, nil
}

func (s *PostgresStore) spendCredit(ctx context.Context, p SpendParams) (SpendResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return SpendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, upsertCredits, p.UserID, p.Day, p.Limit); err != nil {
		return SpendResult{}, err
	}
	c := Credits{UserID: p.UserID, Day: p.Day}
	if err := tx.QueryRow(ctx,
		`SELECT credits_used, credits_limit FROM daily_credits
		 WHERE user_id = $1 AND credits_date = $2 FOR UPDATE`,
		p.UserID, p.Day,
	).Scan(&c.Used, &c.Limit); err != nil {
		return SpendResult{}, err
	}

	if p.SessionID != "" {
		var seen bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM credit_usage_logs WHERE user_id = $1 AND session_id = $2)`,
			p.UserID, p.SessionID,
		).Scan(&seen); err != nil {
			return SpendResult{}, err
		}
		if seen {
			return SpendResult{Credits: c, Spent: true, Replayed: true}, nil
		}
	}

	consumed := 0
	if !p.Unmetered {
		if c.Used >= c.Limit {
			return SpendResult{Credits: c}, nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE daily_credits SET credits_used = credits_used + 1, updated_at = now()
			 WHERE user_id = $1 AND credits_date = $2`,
			p.UserID, p.Day,
		); err != nil {
			return SpendResult{}, err
		}
		c.Used++
		consumed = 1
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_usage_logs (user_id, feature_name, credits_consumed, session_id)
		 VALUES ($1, $2, $3, NULLIF($4, ''))`,
		p.UserID, p.Feature, consumed, p.SessionID,
	); err != nil {
		return SpendResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return SpendResult{}, err
	}
	return SpendResult{Credits: c, Spent: true}, nil
}

func (s *PostgresStore) ResetCredits(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE daily_credits SET credits_used = 0, updated_at = now()
		 WHERE credits_date < $1 AND credits_used > 0`,
		before,
	)
	if err != nil {
		return 0, errors.Join(ErrStore, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) TrialsUsed(ctx context.Context, userID string, day time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM trial_usage_logs WHERE user_id = $1 AND used_on = $2`,
		userID, day,
	).Scan(&n)
	if err != nil {
		return 0, errors.Join(ErrStore, err)
	}
	return n, nil
}

func (s *PostgresStore) SpendTrial(ctx context.Context, p TrialParams) (TrialResult, error) {
	res, err := s.spendTrial(ctx, p)
	if pg.IsDuplicateKeyError(err) {
		used, err := s.TrialsUsed(ctx, p.UserID, p.Day)
		if err != nil {
			return TrialResult{}, err
		}
		return TrialResult{Used: used, Granted: true, Replayed: true}, nil
	}
	if err != nil {
		return TrialResult{}, errors.Join(ErrStore, err)
	}
	return res, nil
}

func (s *PostgresStore) spendTrial(ctx context.Context, p TrialParams) (TrialResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return TrialResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialises trial spends of one user for the rest of the transaction.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "trial:"+p.UserID); err != nil {
		return TrialResult{}, err
	}

	var used int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM trial_usage_logs WHERE user_id = $1 AND used_on = $2`,
		p.UserID, p.Day,
	).Scan(&used); err != nil {
		return TrialResult{}, err
	}

	if p.SessionID != "" {
		var seen bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM trial_usage_logs WHERE user_id = $1 AND session_id = $2)`,
			p.UserID, p.SessionID,
		).Scan(&seen); err != nil {
			return TrialResult{}, err
		}
		if seen {
			return TrialResult{Used: used, Granted: true, Replayed: true}, nil
		}
	}
	if used >= p.Limit {
		return TrialResult{Used: used}, nil
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO trial_usage_logs (user_id, feature, session_id, used_on)
		 VALUES ($1, $2, NULLIF($3, ''), $4)`,
		p.UserID, p.Feature, p.SessionID, p.Day,
	); err != nil {
		return TrialResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return TrialResult{}, err
	}
	return TrialResult{Used: used + 1, Granted: true}, nil
}

func (s *PostgresStore) Subscription(ctx context.Context, userID string) (Subscription, error) {
	var (
		sub          = Subscription{UserID: userID}
		status, tier string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT status, tier, started_at, expires_at, updated_at FROM subscriptions WHERE user_id = $1`,
		userID,
	).Scan(&status, &tier, &sub.StartedAt, &sub.ExpiresAt, &sub.UpdatedAt)
	if pg.IsNotFoundError(err) {
		return Subscription{}, ErrSubscriptionNotFound
	}
	if err != nil {
		return Subscription{}, errors.Join(ErrStore, err)
	}
	sub.Status, sub.Tier = ent.Status(status), ent.Tier(tier)
	return sub, nil
}

func (s *PostgresStore) SaveSubscription(ctx context.Context, sub Subscription) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (user_id, status, tier, started_at, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id) DO UPDATE SET
		     status = EXCLUDED.status,
		     tier = EXCLUDED.tier,
		     started_at = EXCLUDED.started_at,
		     expires_at = EXCLUDED.expires_at,
		     updated_at = EXCLUDED.updated_at`,
		sub.UserID, string(sub.Status), string(sub.Tier), sub.StartedAt, sub.ExpiresAt, sub.UpdatedAt,
	)
	if err != nil {
		return errors.Join(ErrStore, err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return pg.Healthcheck(s.pool)(ctx)
}
