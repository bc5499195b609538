package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"zenflow/internal/model"
	"zenflow/internal/store"
)

// Store keeps engine state in Postgres. Row locks guard read-modify-write.
type Store struct {
	Pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func Open(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	s := &Store{Pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	s.Pool.Close()
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id BIGSERIAL PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			ig_user_id TEXT NOT NULL DEFAULT '',
			credential_kind TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			encrypted_password TEXT NOT NULL DEFAULT '',
			token_expires_at TIMESTAMPTZ,
			needs_reconnect BOOLEAN NOT NULL DEFAULT false,
			plan TEXT NOT NULL,
			free_tokens INT NOT NULL DEFAULT 0 CHECK (free_tokens >= 0),
			paid_tokens INT NOT NULL DEFAULT 0 CHECK (paid_tokens >= 0),
			tokens_reset_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`ALTER TABLE accounts ADD COLUMN IF NOT EXISTS needs_reconnect BOOLEAN NOT NULL DEFAULT false`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_ig ON accounts(ig_user_id)`,
		`CREATE TABLE IF NOT EXISTS rules (
			account_id BIGINT PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
			wake_word TEXT NOT NULL,
			script TEXT NOT NULL,
			link TEXT NOT NULL,
			active BOOLEAN NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS replied_comments (
			account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			comment_id TEXT NOT NULL,
			replied_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (account_id, comment_id)
		)`,
		`CREATE TABLE IF NOT EXISTS activity (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			action TEXT NOT NULL,
			details TEXT NOT NULL DEFAULT '',
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_account_ts ON activity(account_id, ts)`,
		`CREATE TABLE IF NOT EXISTS active_media (
			account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			media_id TEXT NOT NULL,
			activated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (account_id, media_id)
		)`,
	}
	for _, q := range queries {
		if _, err := s.Pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

const accountCols = `id, username, ig_user_id, credential_kind, access_token, encrypted_password,
	token_expires_at, needs_reconnect, plan, free_tokens, paid_tokens, tokens_reset_at, created_at, updated_at`

func scanAccount(row pgx.Row) (model.Account, error) {
	var a model.Account
	var kind string
	err := row.Scan(&a.ID, &a.Username, &a.IGUserID, &kind, &a.AccessToken, &a.EncryptedPassword,
		&a.TokenExpiresAt, &a.NeedsReconnect, &a.Plan, &a.FreeTokens, &a.PaidTokens, &a.TokensResetAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, store.ErrNotFound
	}
	a.CredentialKind = model.CredentialKind(kind)
	return a, err
}

func (s *Store) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `INSERT INTO accounts(username, ig_user_id, credential_kind, access_token, encrypted_password,
			token_expires_at, needs_reconnect, plan, free_tokens, paid_tokens, tokens_reset_at)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id, created_at, updated_at`,
			a.Username, a.IGUserID, string(a.CredentialKind), a.AccessToken, a.EncryptedPassword,
			a.TokenExpiresAt, a.NeedsReconnect, a.Plan, a.FreeTokens, a.PaidTokens, a.TokensResetAt).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		r := model.DefaultRule(a.ID)
		_, err = tx.Exec(ctx, `INSERT INTO rules(account_id, wake_word, script, link, active) VALUES($1,$2,$3,$4,$5)`,
			a.ID, r.WakeWord, r.Script, r.Link, r.Active)
		return err
	})
}

func (s *Store) GetAccount(ctx context.Context, id int64) (model.Account, error) {
	return scanAccount(s.Pool.QueryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE id=$1`, id))
}

func (s *Store) GetAccountByIGUserID(ctx context.Context, igUserID string) (model.Account, error) {
	if igUserID == "" {
		return model.Account{}, store.ErrNotFound
	}
	return scanAccount(s.Pool.QueryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE ig_user_id=$1 ORDER BY id LIMIT 1`, igUserID))
}

func (s *Store) GetAccountByUsername(ctx context.Context, username string) (model.Account, error) {
	return scanAccount(s.Pool.QueryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE username=$1`, username))
}

func (s *Store) ListAutomatable(ctx context.Context) ([]model.Account, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+accountCols+` FROM accounts
		WHERE NOT needs_reconnect
		  AND ((credential_kind='oauth' AND access_token<>'') OR (credential_kind='password' AND encrypted_password<>''))
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAccount(ctx context.Context, id int64, fn func(*model.Account) error) (model.Account, error) {
	var out model.Account
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		a, err := scanAccount(tx.QueryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE id=$1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := fn(&a); err != nil {
			return err
		}
		if err := a.Validate(); err != nil {
			return err
		}
		err = tx.QueryRow(ctx, `UPDATE accounts SET username=$1, ig_user_id=$2, credential_kind=$3, access_token=$4,
			encrypted_password=$5, token_expires_at=$6, needs_reconnect=$7, plan=$8, free_tokens=$9, paid_tokens=$10,
			tokens_reset_at=$11, updated_at=now() WHERE id=$12 RETURNING updated_at`,
			a.Username, a.IGUserID, string(a.CredentialKind), a.AccessToken, a.EncryptedPassword, a.TokenExpiresAt,
			a.NeedsReconnect, a.Plan, a.FreeTokens, a.PaidTokens, a.TokensResetAt, id).Scan(&a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update account %d: %w", id, err)
		}
		out = a
		return nil
	})
	return out, err
}

func (s *Store) UpdateCredentials(ctx context.Context, id int64, c store.Credentials) error {
	_, err := s.UpdateAccount(ctx, id, func(a *model.Account) error {
		c.Apply(a)
		return nil
	})
	return err
}

func (s *Store) DeleteAccount(ctx context.Context, id int64) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM accounts WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetRule(ctx context.Context, accountID int64) (model.AutomationRule, error) {
	r := model.AutomationRule{AccountID: accountID}
	err := s.Pool.QueryRow(ctx, `SELECT wake_word, script, link, active FROM rules WHERE account_id=$1`, accountID).
		Scan(&r.WakeWord, &r.Script, &r.Link, &r.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, store.ErrNotFound
	}
	return r, err
}

func (s *Store) SaveRule(ctx context.Context, r model.AutomationRule) error {
	r.Normalize()
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := s.Pool.Exec(ctx, `INSERT INTO rules(account_id, wake_word, script, link, active) VALUES($1,$2,$3,$4,$5)
		ON CONFLICT (account_id) DO UPDATE SET wake_word=$2, script=$3, link=$4, active=$5`,
		r.AccountID, r.WakeWord, r.Script, r.Link, r.Active)
	return err
}

func (s *Store) MarkReplied(ctx context.Context, accountID int64, commentID string, at time.Time) error {
	_, err := s.Pool.Exec(ctx, `INSERT INTO replied_comments(account_id, comment_id, replied_at) VALUES($1,$2,$3)
		ON CONFLICT (account_id, comment_id) DO NOTHING`, accountID, commentID, at)
	return err
}

func (s *Store) WasReplied(ctx context.Context, accountID int64, commentID string) (bool, error) {
	var ok bool
	err := s.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM replied_comments WHERE account_id=$1 AND comment_id=$2)`,
		accountID, commentID).Scan(&ok)
	return ok, err
}

// ActivateMedia locks the account row so concurrent pins cannot overrun limit.
func (s *Store) ActivateMedia(ctx context.Context, accountID int64, mediaID string, limit int) error {
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		var id int64
		if err := tx.QueryRow(ctx, `SELECT id FROM accounts WHERE id=$1 FOR UPDATE`, accountID).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		var n int
		var pinned bool
		err := tx.QueryRow(ctx, `SELECT COUNT(1), COALESCE(BOOL_OR(media_id=$2), false) FROM active_media WHERE account_id=$1`,
			accountID, mediaID).Scan(&n, &pinned)
		if err != nil {
			return err
		}
		if pinned {
			return nil
		}
		if n >= limit {
			return store.ErrMediaLimit
		}
		if _, err := tx.Exec(ctx, `INSERT INTO active_media(account_id, media_id) VALUES($1,$2)`, accountID, mediaID); err != nil {
			return fmt.Errorf("activate media %s: %w", mediaID, err)
		}
		return nil
	})
}

func (s *Store) DeactivateMedia(ctx context.Context, accountID int64, mediaID string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM active_media WHERE account_id=$1 AND media_id=$2`, accountID, mediaID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListActiveMedia(ctx context.Context, accountID int64) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `SELECT media_id FROM active_media WHERE account_id=$1 ORDER BY activated_at, media_id`, accountID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) LogActivity(ctx context.Context, e model.ActivityEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := s.Pool.Exec(ctx, `INSERT INTO activity(account_id, action, details, ts) VALUES($1,$2,$3,$4)`,
		e.AccountID, e.Action, e.Details, e.Timestamp)
	return err
}

func (s *Store) ListActivity(ctx context.Context, accountID int64, since time.Time) ([]model.ActivityEntry, error) {
	rows, err := s.Pool.Query(ctx, `SELECT action, details, ts FROM activity WHERE account_id=$1 AND ts>=$2 ORDER BY ts, id`,
		accountID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ActivityEntry
	for rows.Next() {
		e := model.ActivityEntry{AccountID: accountID}
		if err := rows.Scan(&e.Action, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
