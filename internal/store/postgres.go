package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `id, email, display_name, google_sub, created_at, last_login_at`

func scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &user.GoogleSub, &user.CreatedAt, &user.LastLoginAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email=$1`, email))
}

func (s *PostgresStore) GetUserByGoogleSub(ctx context.Context, googleSub string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE google_sub=$1`, googleSub))
}

// EnsureUserByEmail returns the user for email, creating one with the
// given display name on first sight. The insert races are resolved by
// the unique index: a conflicting insert falls back to the existing row.
func (s *PostgresStore) EnsureUserByEmail(ctx context.Context, email, displayName string) (User, error) {
	user, err := s.GetUserByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	user, err = scanUser(s.db.QueryRowContext(ctx, `
		INSERT INTO users (email, display_name)
		VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET email=EXCLUDED.email
		RETURNING `+userColumns,
		email, displayName))
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) LinkGoogleSubject(ctx context.Context, userID int64, googleSub, displayName string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET google_sub=$2,
		    display_name=CASE WHEN display_name='' THEN $3 ELSE display_name END
		WHERE id=$1
	`, userID, googleSub, displayName)
	if err != nil {
		return fmt.Errorf("link google subject: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDisplayName(ctx context.Context, userID int64, displayName string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `
		UPDATE users SET display_name=$2 WHERE id=$1
		RETURNING `+userColumns,
		userID, displayName))
	if err != nil {
		return User{}, fmt.Errorf("update display name: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) TouchLastLogin(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at=NOW() WHERE id=$1`, userID); err != nil {
		return fmt.Errorf("touch last login: %w", err)
	}
	return nil
}

// SaveToken persists a hashed magic-link credential.
func (s *PostgresStore) SaveToken(ctx context.Context, tokenHash string, userID int64, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO magic_link_tokens (user_id, token_hash, expires_at, used)
		VALUES ($1, $2, $3, FALSE)
	`, userID, tokenHash, expiresAt)
	if err != nil {
		return fmt.Errorf("save magic token: %w", err)
	}
	return nil
}

// ConsumeToken flips used false→true for a live token in one
// conditional update, so concurrent redemptions of the same hash admit
// at most one winner.
func (s *PostgresStore) ConsumeToken(ctx context.Context, tokenHash string, now time.Time) (int64, bool, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE magic_link_tokens
		SET used=TRUE
		WHERE token_hash=$1 AND NOT used AND expires_at >= $2
		RETURNING user_id
	`, tokenHash, now).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("consume magic token: %w", err)
	}
	return userID, true, nil
}

// GetOrCreateThread resolves threadKey to its thread row, creating it
// lazily on first use. Thread keys are canonicalized by the caller.
func (s *PostgresStore) GetOrCreateThread(ctx context.Context, threadKey string) (Thread, error) {
	var thread Thread
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO threads (thread_key)
		VALUES ($1)
		ON CONFLICT (thread_key) DO UPDATE SET thread_key=EXCLUDED.thread_key
		RETURNING id, thread_key, created_at
	`, threadKey).Scan(&thread.ID, &thread.ThreadKey, &thread.CreatedAt)
	if err != nil {
		return Thread{}, fmt.Errorf("get or create thread: %w", err)
	}
	return thread, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, threadID int64, clientID, content string) (Message, error) {
	var message Message
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (thread_id, client_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, thread_id, client_id, content, created_at
	`, threadID, clientID, content).Scan(&message.ID, &message.ThreadID, &message.ClientID, &message.Content, &message.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return message, nil
}

// ListMessages returns up to limit of the newest messages for
// threadKey, in ascending creation order. An unknown thread yields an
// empty slice.
func (s *PostgresStore) ListMessages(ctx context.Context, threadKey string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.thread_id, t.thread_key, m.client_id, m.content, m.created_at
		FROM messages m
		JOIN threads t ON t.id = m.thread_id
		WHERE t.thread_key = $1
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2
	`, threadKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.ThreadKey, &m.ClientID, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Rows arrive newest-first; callers want chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
