package auth

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS User (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	permission_level INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_user_username ON User(username);
`

// Store is a SQLite-backed user store. Passwords arrive as client-side
// SHA-512 digests and are stored bcrypt-hashed on top of that, so neither
// the plaintext nor the wire hash is recoverable from the database.
type Store struct {
	conn *sql.DB
}

// OpenStore opens (and if needed initializes) the user database at path.
func OpenStore(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open user database: %w", err)
	}

	// WAL allows the metrics/readers to coexist with writes; busy_timeout
	// retries instead of failing with SQLITE_BUSY.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// CreateUser registers a new account. passwordHash is the client-side
// SHA-512 digest; it is bcrypt-hashed before storage.
func (s *Store) CreateUser(username string, passwordHash []byte, level PermissionLevel) error {
	if username == "" {
		return ErrEmptyUsername
	}
	if len(passwordHash) == 0 {
		return ErrEmptyPassword
	}

	stored, err := bcrypt.GenerateFromPassword(passwordHash, bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	_, err = s.conn.Exec(
		"INSERT INTO User (username, password_hash, permission_level, created_at) VALUES (?, ?, ?, ?)",
		username, string(stored), uint8(level), time.Now().UnixMilli(),
	)
	if err != nil {
		// UNIQUE constraint shows up as a generic driver error; probe for it
		var exists bool
		probeErr := s.conn.QueryRow("SELECT EXISTS(SELECT 1 FROM User WHERE username = ?)", username).Scan(&exists)
		if probeErr == nil && exists {
			return ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// DeleteUser removes an account.
func (s *Store) DeleteUser(username string) error {
	res, err := s.conn.Exec("DELETE FROM User WHERE username = ?", username)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownUser
	}
	return nil
}

// Authenticate implements Authenticator.
func (s *Store) Authenticate(user string, passwordHash []byte) (PermissionLevel, error) {
	var storedHash string
	var level uint8
	err := s.conn.QueryRow(
		"SELECT password_hash, permission_level FROM User WHERE username = ?", user,
	).Scan(&storedHash, &level)
	if errors.Is(err, sql.ErrNoRows) {
		return LevelNone, ErrUnknownUser
	}
	if err != nil {
		return LevelNone, fmt.Errorf("failed to look up user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(storedHash), passwordHash); err != nil {
		return LevelNone, ErrBadCredentials
	}

	return PermissionLevel(level), nil
}

// FetchPermissionLevel implements Authenticator.
func (s *Store) FetchPermissionLevel(user string) PermissionLevel {
	var level uint8
	err := s.conn.QueryRow(
		"SELECT permission_level FROM User WHERE username = ?", user,
	).Scan(&level)
	if err != nil {
		return LevelNone
	}
	return PermissionLevel(level)
}

// SetPermissionLevel updates a user's level.
func (s *Store) SetPermissionLevel(user string, level PermissionLevel) error {
	res, err := s.conn.Exec(
		"UPDATE User SET permission_level = ? WHERE username = ?", uint8(level), user,
	)
	if err != nil {
		return fmt.Errorf("failed to update permission level: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownUser
	}
	return nil
}

// ChangePassword implements Authenticator.
func (s *Store) ChangePassword(user string, currentHash, newHash []byte) error {
	if len(newHash) == 0 {
		return ErrEmptyPassword
	}

	if _, err := s.Authenticate(user, currentHash); err != nil {
		return err
	}

	stored, err := bcrypt.GenerateFromPassword(newHash, bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	_, err = s.conn.Exec(
		"UPDATE User SET password_hash = ? WHERE username = ?", string(stored), user,
	)
	if err != nil {
		return fmt.Errorf("failed to store password: %w", err)
	}
	return nil
}

// ListUsers returns all usernames, sorted by creation time.
func (s *Store) ListUsers() ([]string, error) {
	rows, err := s.conn.Query("SELECT username FROM User ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		users = append(users, name)
	}
	return users, rows.Err()
}
