package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var userColumnNames = []string{
	"id", "name", "email", "username", "password_hash", "role", "confirmed", "disabled",
	"created_by", "credential_view_token", "credential_view_token_expires_at", "created_at", "updated_at",
}

func userColumns(alias string) string {
	cols := make([]string, len(userColumnNames))
	for i, c := range userColumnNames {
		if alias != "" {
			cols[i] = alias + "." + c
		} else {
			cols[i] = c
		}
	}
	return strings.Join(cols, ", ")
}

// userScan collects nullable columns for a User and copies them over after Scan.
type userScan struct {
	u                  *User
	email, createdBy   sql.NullString
	viewToken          sql.NullString
	viewExpires        sql.NullInt64
	confirmed, disable int
	createdAt, updated int64
}

func newUserScan(u *User) *userScan {
	return &userScan{u: u}
}

func (s *userScan) dest() []any {
	return []any{
		&s.u.ID, &s.u.Name, &s.email, &s.u.Username, &s.u.PasswordHash, &s.u.Role, &s.confirmed, &s.disable,
		&s.createdBy, &s.viewToken, &s.viewExpires, &s.createdAt, &s.updated,
	}
}

func (s *userScan) finish() {
	s.u.Email = s.email.String
	s.u.CreatedBy = s.createdBy.String
	s.u.CredentialViewToken = s.viewToken.String
	s.u.CredentialViewTokenExpireAt = fromMillis(s.viewExpires.Int64)
	s.u.Confirmed = s.confirmed == 1
	s.u.Disabled = s.disable == 1
	s.u.CreatedAt = fromMillis(s.createdAt)
	s.u.UpdatedAt = fromMillis(s.updated)
}

func (s *SQLiteStore) queryUser(ctx context.Context, where string, args ...any) (User, error) {
	var u User
	scan := newUserScan(&u)
	err := s.db.QueryRowContext(ctx, `SELECT `+userColumns("")+` FROM users WHERE `+where, args...).Scan(scan.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("loading user: %w", err)
	}
	scan.finish()
	return u, nil
}

// CreateUser inserts a new account.
func (s *SQLiteStore) CreateUser(ctx context.Context, u User) error {
	if u.Role == "" {
		u.Role = RoleMember
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, username, password_hash, role, confirmed, disabled, created_by,
		                   credential_view_token, credential_view_token_expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.Name, nullString(u.Email), u.Username, u.PasswordHash, u.Role, boolInt(u.Confirmed), boolInt(u.Disabled),
		nullString(u.CreatedBy), nullString(u.CredentialViewToken), nullMillis(u.CredentialViewTokenExpireAt),
		toMillis(u.CreatedAt), toMillis(u.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

// GetUser loads a user by id.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (User, error) {
	return s.queryUser(ctx, "id = ?", id)
}

// GetUserByUsername loads a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return s.queryUser(ctx, "username = ?", username)
}

// GetUserByEmail loads a user by email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.queryUser(ctx, "email = ?", email)
}

// FindActiveUser loads a confirmed, enabled user by username.
func (s *SQLiteStore) FindActiveUser(ctx context.Context, username string) (User, error) {
	return s.queryUser(ctx, "username = ? AND confirmed = 1 AND disabled = 0", username)
}

// ListUsers returns every user with its live agent connection, newest first.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]UserSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns("u")+`, t.agent_label, t.expires_at, t.last_used_at
		FROM users u
		LEFT JOIN oauth_tokens t ON t.user_id = u.id
		ORDER BY u.created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var out []UserSummary
	for rows.Next() {
		var sum UserSummary
		var label sql.NullString
		var expires, lastUsed sql.NullInt64
		scan := newUserScan(&sum.User)
		if err := rows.Scan(append(scan.dest(), &label, &expires, &lastUsed)...); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		scan.finish()
		sum.HasToken = expires.Valid
		sum.AgentLabel = label.String
		sum.TokenExpiresAt = fromMillis(expires.Int64)
		sum.TokenLastUsed = fromMillis(lastUsed.Int64)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// ListActiveUsers returns the safe subset of confirmed, enabled users.
func (s *SQLiteStore) ListActiveUsers(ctx context.Context) ([]PublicUser, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, username, role FROM users
		WHERE confirmed = 1 AND disabled = 0
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing active users: %w", err)
	}
	defer rows.Close()

	out := []PublicUser{}
	for rows.Next() {
		var u PublicUser
		if err := rows.Scan(&u.ID, &u.Name, &u.Username, &u.Role); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) updateUser(ctx context.Context, set string, id string, args ...any) error {
	args = append(args, toMillis(time.Now()), id)
	res, err := s.db.ExecContext(ctx, `UPDATE users SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	return expectOneRow(res)
}

// SetUserDisabled toggles the disabled flag.
func (s *SQLiteStore) SetUserDisabled(ctx context.Context, id string, disabled bool) error {
	return s.updateUser(ctx, "disabled = ?", id, boolInt(disabled))
}

// SetUserConfirmed toggles the confirmed flag.
func (s *SQLiteStore) SetUserConfirmed(ctx context.Context, id string, confirmed bool) error {
	return s.updateUser(ctx, "confirmed = ?", id, boolInt(confirmed))
}

// SetUserRole changes the role.
func (s *SQLiteStore) SetUserRole(ctx context.Context, id, role string) error {
	if role != RoleMember && role != RoleAdmin {
		return fmt.Errorf("unknown role %q", role)
	}
	return s.updateUser(ctx, "role = ?", id, role)
}

// SetUserPassword replaces the password hash.
func (s *SQLiteStore) SetUserPassword(ctx context.Context, id, hash string) error {
	return s.updateUser(ctx, "password_hash = ?", id, hash)
}

// RenameUser changes the display name.
func (s *SQLiteStore) RenameUser(ctx context.Context, id, name string) error {
	return s.updateUser(ctx, "name = ?", id, name)
}

// DeleteUser removes a user; codes, tokens, sessions and memberships cascade.
func (s *SQLiteStore) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	return expectOneRow(res)
}

// SetCredentialViewToken stores a one-time token for viewing freshly generated credentials.
func (s *SQLiteStore) SetCredentialViewToken(ctx context.Context, id, token string, expiresAt time.Time) error {
	return s.updateUser(ctx, "credential_view_token = ?, credential_view_token_expires_at = ?", id,
		nullString(token), nullMillis(expiresAt))
}

// ConsumeCredentialViewToken clears the token and returns its user if it has not expired.
func (s *SQLiteStore) ConsumeCredentialViewToken(ctx context.Context, token string, now time.Time) (User, error) {
	if token == "" {
		return User{}, ErrNotFound
	}
	var id string
	err := s.db.QueryRowContext(ctx, `
		UPDATE users SET credential_view_token = NULL, credential_view_token_expires_at = NULL
		WHERE credential_view_token = ? AND credential_view_token_expires_at > ?
		RETURNING id
	`, token, toMillis(now)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("consuming credential view token: %w", err)
	}
	return s.GetUser(ctx, id)
}

// CreateAdminSession persists an admin console session.
func (s *SQLiteStore) CreateAdminSession(ctx context.Context, sess AdminSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_sessions (id, user_id, csrf_token, expires_at, created_at) VALUES (?, ?, ?, ?, ?)
	`, sess.ID, sess.UserID, sess.CSRFToken, toMillis(sess.ExpiresAt), toMillis(sess.CreatedAt))
	if err != nil {
		return fmt.Errorf("creating admin session: %w", err)
	}
	return nil
}

// GetAdminSession loads a live session and its user.
func (s *SQLiteStore) GetAdminSession(ctx context.Context, id string, now time.Time) (AdminSession, User, error) {
	var sess AdminSession
	var expiresAt, createdAt int64
	var u User
	scan := newUserScan(&u)
	dest := append([]any{&sess.ID, &sess.UserID, &sess.CSRFToken, &expiresAt, &createdAt}, scan.dest()...)
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.user_id, s.csrf_token, s.expires_at, s.created_at, `+userColumns("u")+`
		FROM admin_sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.id = ? AND s.expires_at > ?
	`, id, toMillis(now)).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return AdminSession{}, User{}, ErrNotFound
	}
	if err != nil {
		return AdminSession{}, User{}, fmt.Errorf("loading admin session: %w", err)
	}
	scan.finish()
	sess.ExpiresAt = fromMillis(expiresAt)
	sess.CreatedAt = fromMillis(createdAt)
	return sess, u, nil
}

// DeleteAdminSession ends a session.
func (s *SQLiteStore) DeleteAdminSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM admin_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting admin session: %w", err)
	}
	return nil
}
