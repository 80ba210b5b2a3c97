package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SaveAuthCode persists a freshly issued authorization code.
func (s *SQLiteStore) SaveAuthCode(ctx context.Context, code AuthorizationCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_codes (code, user_id, client_id, code_challenge, redirect_uri, agent_label, expires_at, used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, code.Code, code.UserID, nullString(code.ClientID), code.CodeChallenge, nullString(code.RedirectURI),
		nullString(code.AgentLabel), toMillis(code.ExpiresAt), toMillis(code.CreatedAt))
	if err != nil {
		return fmt.Errorf("saving auth code: %w", err)
	}
	return nil
}

// GetAuthCode loads a code regardless of its state so callers can log why it is unusable.
func (s *SQLiteStore) GetAuthCode(ctx context.Context, code string) (AuthorizationCode, error) {
	var ac AuthorizationCode
	var clientID, redirectURI, agentLabel sql.NullString
	var expiresAt, createdAt int64
	var used int
	err := s.db.QueryRowContext(ctx, `
		SELECT code, user_id, client_id, code_challenge, redirect_uri, agent_label, expires_at, used, created_at
		FROM auth_codes WHERE code = ?
	`, code).Scan(&ac.Code, &ac.UserID, &clientID, &ac.CodeChallenge, &redirectURI, &agentLabel, &expiresAt, &used, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AuthorizationCode{}, ErrNotFound
	}
	if err != nil {
		return AuthorizationCode{}, fmt.Errorf("loading auth code: %w", err)
	}
	ac.ClientID = clientID.String
	ac.RedirectURI = redirectURI.String
	ac.AgentLabel = agentLabel.String
	ac.ExpiresAt = fromMillis(expiresAt)
	ac.CreatedAt = fromMillis(createdAt)
	ac.Used = used == 1
	return ac, nil
}

// RedeemAuthCode atomically consumes the code and installs pair as the user's only token pair.
func (s *SQLiteStore) RedeemAuthCode(ctx context.Context, code string, now time.Time, pair TokenPair) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin redeem: %w", err)
	}
	defer tx.Rollback()

	var userID string
	var agentLabel sql.NullString
	err = tx.QueryRowContext(ctx, `
		UPDATE auth_codes SET used = 1
		WHERE code = ? AND used = 0 AND expires_at > ?
		RETURNING user_id, agent_label
	`, code, toMillis(now)).Scan(&userID, &agentLabel)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCodeUnavailable
	}
	if err != nil {
		return fmt.Errorf("marking code used: %w", err)
	}

	pair.UserID = userID
	pair.AgentLabel = agentLabel.String
	if err := replacePair(ctx, tx, pair); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit redeem: %w", err)
	}
	return nil
}

// RotateRefreshToken exchanges a refresh token for next, preserving user and agent label.
func (s *SQLiteStore) RotateRefreshToken(ctx context.Context, refresh string, next TokenPair) (TokenPair, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TokenPair{}, fmt.Errorf("begin rotate: %w", err)
	}
	defer tx.Rollback()

	var userID string
	var agentLabel sql.NullString
	err = tx.QueryRowContext(ctx, `
		DELETE FROM oauth_tokens WHERE refresh_token = ?
		RETURNING user_id, agent_label
	`, refresh).Scan(&userID, &agentLabel)
	if errors.Is(err, sql.ErrNoRows) {
		return TokenPair{}, ErrNotFound
	}
	if err != nil {
		return TokenPair{}, fmt.Errorf("deleting refreshed pair: %w", err)
	}

	next.UserID = userID
	next.AgentLabel = agentLabel.String
	if err := replacePair(ctx, tx, next); err != nil {
		return TokenPair{}, err
	}

	if err := tx.Commit(); err != nil {
		return TokenPair{}, fmt.Errorf("commit rotate: %w", err)
	}
	return next, nil
}

func replacePair(ctx context.Context, tx *sql.Tx, pair TokenPair) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE user_id = ?`, pair.UserID); err != nil {
		return fmt.Errorf("revoking previous pair: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO oauth_tokens (access_token, user_id, refresh_token, agent_label, last_used_at, expires_at, scope)
		VALUES (?, ?, ?, ?, NULL, ?, ?)
	`, pair.AccessToken, pair.UserID, pair.RefreshToken, nullString(pair.AgentLabel), toMillis(pair.ExpiresAt), pair.Scope)
	if err != nil {
		return fmt.Errorf("inserting token pair: %w", err)
	}
	return nil
}

// LookupAccessToken resolves a live access token to its pair and owner.
func (s *SQLiteStore) LookupAccessToken(ctx context.Context, token string, now time.Time) (TokenPair, User, error) {
	var (
		p          TokenPair
		agentLabel sql.NullString
		lastUsed   sql.NullInt64
		expiresAt  int64
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT t.access_token, t.refresh_token, t.user_id, t.agent_label, t.last_used_at, t.expires_at, t.scope,
		       `+userColumns("u")+`
		FROM oauth_tokens t
		JOIN users u ON u.id = t.user_id
		WHERE t.access_token = ? AND t.expires_at > ?
	`, token, toMillis(now))

	var u User
	dest := []any{&p.AccessToken, &p.RefreshToken, &p.UserID, &agentLabel, &lastUsed, &expiresAt, &p.Scope}
	scan := newUserScan(&u)
	if err := row.Scan(append(dest, scan.dest()...)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenPair{}, User{}, ErrNotFound
		}
		return TokenPair{}, User{}, fmt.Errorf("looking up access token: %w", err)
	}
	scan.finish()
	p.AgentLabel = agentLabel.String
	p.LastUsedAt = fromMillis(lastUsed.Int64)
	p.ExpiresAt = fromMillis(expiresAt)
	return p, u, nil
}

// TouchAccessToken records use of an access token.
func (s *SQLiteStore) TouchAccessToken(ctx context.Context, token string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE oauth_tokens SET last_used_at = ? WHERE access_token = ?`, toMillis(now), token)
	if err != nil {
		return fmt.Errorf("touching access token: %w", err)
	}
	return nil
}

// DeleteTokensForUser revokes every token pair held by the user.
func (s *SQLiteStore) DeleteTokensForUser(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("deleting tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountTokens returns the number of live token pairs.
func (s *SQLiteStore) CountTokens(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM oauth_tokens`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting tokens: %w", err)
	}
	return n, nil
}

// DeleteAllTokens revokes every token pair.
func (s *SQLiteStore) DeleteAllTokens(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_tokens`)
	if err != nil {
		return 0, fmt.Errorf("deleting all tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SaveClient persists a registered client.
func (s *SQLiteStore) SaveClient(ctx context.Context, client Client) error {
	uris, err := json.Marshal(client.RedirectURIs)
	if err != nil {
		return fmt.Errorf("encoding redirect uris: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_clients (client_id, client_name, redirect_uris, created_at) VALUES (?, ?, ?, ?)
	`, client.ClientID, nullString(client.ClientName), string(uris), toMillis(client.CreatedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("saving client: %w", err)
	}
	return nil
}

// GetClient loads a registered client.
func (s *SQLiteStore) GetClient(ctx context.Context, clientID string) (Client, error) {
	var (
		c         Client
		name      sql.NullString
		uris      string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT client_id, client_name, redirect_uris, created_at FROM oauth_clients WHERE client_id = ?
	`, clientID).Scan(&c.ClientID, &name, &uris, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Client{}, ErrNotFound
	}
	if err != nil {
		return Client{}, fmt.Errorf("loading client: %w", err)
	}
	if err := json.Unmarshal([]byte(uris), &c.RedirectURIs); err != nil {
		return Client{}, fmt.Errorf("decoding redirect uris: %w", err)
	}
	c.ClientName = name.String
	c.CreatedAt = fromMillis(createdAt)
	return c, nil
}
