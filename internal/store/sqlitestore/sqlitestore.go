package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"zenflow/internal/model"
	"zenflow/internal/store"
)

// DB is the SQLite-backed store. A single connection serializes transactions,
// which is what makes UpdateAccount atomic.
type DB struct{ sql *sql.DB }

var _ store.Store = (*DB)(nil)

func Open(path string) (*DB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(1)
	if _, err := d.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = d.Close()
		return nil, err
	}
	db := &DB{sql: d}
	if err := db.migrate(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) migrate() error {
	_, err := d.sql.Exec(`
	CREATE TABLE IF NOT EXISTS accounts (
	  id INTEGER PRIMARY KEY AUTOINCREMENT,
	  username TEXT NOT NULL UNIQUE,
	  ig_user_id TEXT NOT NULL DEFAULT '',
	  credential_kind TEXT NOT NULL DEFAULT '',
	  access_token TEXT NOT NULL DEFAULT '',
	  encrypted_password TEXT NOT NULL DEFAULT '',
	  token_expires_at INTEGER,
	  needs_reconnect INTEGER NOT NULL DEFAULT 0,
	  plan TEXT NOT NULL,
	  free_tokens INTEGER NOT NULL DEFAULT 0 CHECK (free_tokens >= 0),
	  paid_tokens INTEGER NOT NULL DEFAULT 0 CHECK (paid_tokens >= 0),
	  tokens_reset_at INTEGER,
	  created_at INTEGER NOT NULL,
	  updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_ig ON accounts(ig_user_id);
	CREATE TABLE IF NOT EXISTS rules (
	  account_id INTEGER PRIMARY KEY,
	  wake_word TEXT NOT NULL,
	  script TEXT NOT NULL,
	  link TEXT NOT NULL,
	  active INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS replied_comments (
	  account_id INTEGER NOT NULL,
	  comment_id TEXT NOT NULL,
	  replied_at INTEGER NOT NULL,
	  PRIMARY KEY (account_id, comment_id)
	);
	CREATE TABLE IF NOT EXISTS activity (
	  id INTEGER PRIMARY KEY AUTOINCREMENT,
	  account_id INTEGER NOT NULL,
	  action TEXT NOT NULL,
	  details TEXT,
	  ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_activity_account_ts ON activity(account_id, ts);
	CREATE TABLE IF NOT EXISTS active_media (
	  account_id INTEGER NOT NULL,
	  media_id TEXT NOT NULL,
	  activated_at INTEGER NOT NULL,
	  PRIMARY KEY (account_id, media_id)
	);
	`)
	if err != nil {
		return err
	}
	// Databases created before the re-connect flag existed.
	_, err = d.sql.Exec(`ALTER TABLE accounts ADD COLUMN needs_reconnect INTEGER NOT NULL DEFAULT 0`)
	if err != nil && !strings.Contains(err.Error(), "duplicate column") {
		return err
	}
	return nil
}

const accountCols = `id, username, ig_user_id, credential_kind, access_token, encrypted_password,
	token_expires_at, needs_reconnect, plan, free_tokens, paid_tokens, tokens_reset_at, created_at, updated_at`

type scanner interface{ Scan(dest ...any) error }

func scanAccount(row scanner) (model.Account, error) {
	var a model.Account
	var kind string
	var expires, reset sql.NullInt64
	var created, updated int64
	err := row.Scan(&a.ID, &a.Username, &a.IGUserID, &kind, &a.AccessToken, &a.EncryptedPassword,
		&expires, &a.NeedsReconnect, &a.Plan, &a.FreeTokens, &a.PaidTokens, &reset, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return a, store.ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.CredentialKind = model.CredentialKind(kind)
	a.TokenExpiresAt = fromNull(expires)
	a.TokensResetAt = fromNull(reset)
	a.CreatedAt = time.Unix(created, 0).UTC()
	a.UpdatedAt = time.Unix(updated, 0).UTC()
	return a, nil
}

func toNull(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func (d *DB) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := a.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `INSERT INTO accounts(username, ig_user_id, credential_kind, access_token, encrypted_password,
		token_expires_at, needs_reconnect, plan, free_tokens, paid_tokens, tokens_reset_at, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.Username, a.IGUserID, string(a.CredentialKind), a.AccessToken, a.EncryptedPassword,
		toNull(a.TokenExpiresAt), a.NeedsReconnect, a.Plan, a.FreeTokens, a.PaidTokens, toNull(a.TokensResetAt), now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r := model.DefaultRule(id)
	if _, err := tx.ExecContext(ctx, `INSERT INTO rules(account_id, wake_word, script, link, active) VALUES(?,?,?,?,?)`,
		id, r.WakeWord, r.Script, r.Link, r.Active); err != nil {
		return fmt.Errorf("insert default rule: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	a.ID = id
	a.CreatedAt = time.Unix(now.Unix(), 0).UTC()
	a.UpdatedAt = a.CreatedAt
	return nil
}

func (d *DB) GetAccount(ctx context.Context, id int64) (model.Account, error) {
	return scanAccount(d.sql.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id=?`, id))
}

func (d *DB) GetAccountByIGUserID(ctx context.Context, igUserID string) (model.Account, error) {
	if igUserID == "" {
		return model.Account{}, store.ErrNotFound
	}
	return scanAccount(d.sql.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE ig_user_id=? ORDER BY id LIMIT 1`, igUserID))
}

func (d *DB) GetAccountByUsername(ctx context.Context, username string) (model.Account, error) {
	return scanAccount(d.sql.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE username=?`, username))
}

func (d *DB) ListAutomatable(ctx context.Context) ([]model.Account, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT `+accountCols+` FROM accounts
		WHERE needs_reconnect=0
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

func (d *DB) UpdateAccount(ctx context.Context, id int64, fn func(*model.Account) error) (model.Account, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return model.Account{}, err
	}
	defer tx.Rollback()
	a, err := scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id=?`, id))
	if err != nil {
		return model.Account{}, err
	}
	if err := fn(&a); err != nil {
		return model.Account{}, err
	}
	if err := a.Validate(); err != nil {
		return model.Account{}, err
	}
	a.UpdatedAt = time.Unix(time.Now().Unix(), 0).UTC()
	_, err = tx.ExecContext(ctx, `UPDATE accounts SET username=?, ig_user_id=?, credential_kind=?, access_token=?,
		encrypted_password=?, token_expires_at=?, needs_reconnect=?, plan=?, free_tokens=?, paid_tokens=?,
		tokens_reset_at=?, updated_at=? WHERE id=?`,
		a.Username, a.IGUserID, string(a.CredentialKind), a.AccessToken, a.EncryptedPassword, toNull(a.TokenExpiresAt),
		a.NeedsReconnect, a.Plan, a.FreeTokens, a.PaidTokens, toNull(a.TokensResetAt), a.UpdatedAt.Unix(), id)
	if err != nil {
		return model.Account{}, fmt.Errorf("update account %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return model.Account{}, err
	}
	return a, nil
}

func (d *DB) UpdateCredentials(ctx context.Context, id int64, c store.Credentials) error {
	_, err := d.UpdateAccount(ctx, id, func(a *model.Account) error {
		c.Apply(a)
		return nil
	})
	return err
}

func (d *DB) DeleteAccount(ctx context.Context, id int64) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	for _, q := range []string{
		`DELETE FROM rules WHERE account_id=?`,
		`DELETE FROM replied_comments WHERE account_id=?`,
		`DELETE FROM activity WHERE account_id=?`,
		`DELETE FROM active_media WHERE account_id=?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *DB) GetRule(ctx context.Context, accountID int64) (model.AutomationRule, error) {
	r := model.AutomationRule{AccountID: accountID}
	var active int
	err := d.sql.QueryRowContext(ctx, `SELECT wake_word, script, link, active FROM rules WHERE account_id=?`, accountID).
		Scan(&r.WakeWord, &r.Script, &r.Link, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return r, store.ErrNotFound
	}
	r.Active = active != 0
	return r, err
}

func (d *DB) SaveRule(ctx context.Context, r model.AutomationRule) error {
	r.Normalize()
	if err := r.Validate(); err != nil {
		return err
	}
	active := 0
	if r.Active {
		active = 1
	}
	_, err := d.sql.ExecContext(ctx, `INSERT INTO rules(account_id, wake_word, script, link, active) VALUES(?,?,?,?,?)
		ON CONFLICT(account_id) DO UPDATE SET wake_word=excluded.wake_word, script=excluded.script, link=excluded.link, active=excluded.active`,
		r.AccountID, r.WakeWord, r.Script, r.Link, active)
	return err
}

func (d *DB) MarkReplied(ctx context.Context, accountID int64, commentID string, at time.Time) error {
	_, err := d.sql.ExecContext(ctx, `INSERT INTO replied_comments(account_id, comment_id, replied_at) VALUES(?,?,?)
		ON CONFLICT(account_id, comment_id) DO NOTHING`, accountID, commentID, at.Unix())
	return err
}

func (d *DB) WasReplied(ctx context.Context, accountID int64, commentID string) (bool, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(1) FROM replied_comments WHERE account_id=? AND comment_id=?`, accountID, commentID).Scan(&n)
	return n > 0, err
}

func (d *DB) ActivateMedia(ctx context.Context, accountID int64, mediaID string, limit int) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var pinned, n int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1), COALESCE(SUM(media_id=?),0) FROM active_media WHERE account_id=?`,
		mediaID, accountID).Scan(&n, &pinned)
	if err != nil {
		return err
	}
	if pinned > 0 {
		return nil
	}
	if n >= limit {
		return store.ErrMediaLimit
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO active_media(account_id, media_id, activated_at) VALUES(?,?,?)`,
		accountID, mediaID, time.Now().Unix()); err != nil {
		return fmt.Errorf("activate media %s: %w", mediaID, err)
	}
	return tx.Commit()
}

func (d *DB) DeactivateMedia(ctx context.Context, accountID int64, mediaID string) error {
	res, err := d.sql.ExecContext(ctx, `DELETE FROM active_media WHERE account_id=? AND media_id=?`, accountID, mediaID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (d *DB) ListActiveMedia(ctx context.Context, accountID int64) ([]string, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT media_id FROM active_media WHERE account_id=? ORDER BY activated_at, media_id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (d *DB) LogActivity(ctx context.Context, e model.ActivityEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := d.sql.ExecContext(ctx, `INSERT INTO activity(account_id, action, details, ts) VALUES(?,?,?,?)`,
		e.AccountID, e.Action, e.Details, e.Timestamp.Unix())
	return err
}

func (d *DB) ListActivity(ctx context.Context, accountID int64, since time.Time) ([]model.ActivityEntry, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT action, COALESCE(details,''), ts FROM activity WHERE account_id=? AND ts>=? ORDER BY ts, id`,
		accountID, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ActivityEntry
	for rows.Next() {
		e := model.ActivityEntry{AccountID: accountID}
		var ts int64
		if err := rows.Scan(&e.Action, &e.Details, &ts); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
