package api

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/sensordatamarket/sdm-server/internal/keystore"
)

const sessionTokenLength = 32

// DefaultSessionTTL bounds how long an unlocked key stays resident.
const DefaultSessionTTL = 30 * time.Minute

// SessionInfo is the persisted metadata of a login session. The unlocked key
// material itself never touches the database; it lives only in the registry's
// memory and is erased on logout or expiry.
type SessionInfo struct {
	Token     string    `json:"-"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// SessionRegistry manages login sessions: metadata in SQLite, unlocked key
// material in memory keyed by token.
type SessionRegistry struct {
	db  *sql.DB
	ttl time.Duration

	mu   sync.Mutex
	live map[string]*keystore.Session
}

// NewSessionRegistry creates a session registry using the provided database
// connection.
func NewSessionRegistry(db *sql.DB, ttl time.Duration) (*SessionRegistry, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	sr := &SessionRegistry{db: db, ttl: ttl, live: make(map[string]*keystore.Session)}
	if err := sr.initDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize session registry: %w", err)
	}
	return sr, nil
}

func (sr *SessionRegistry) initDB() error {
	_, err := sr.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			address TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			ip_address TEXT,
			user_agent TEXT,
			revoked INTEGER DEFAULT 0
		)
	`)
	if err != nil {
		return err
	}
	_, err = sr.db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_address ON sessions(address)`)
	return err
}

// Create stores a new login session for an unlocked key and returns its token.
// The registry takes ownership of the key session and closes it on revoke.
func (sr *SessionRegistry) Create(ks *keystore.Session, ip, ua string) (string, error) {
	tokenBytes := make([]byte, sessionTokenLength)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	token := base64.URLEncoding.EncodeToString(tokenBytes)

	now := time.Now()
	expiresAt := now.Add(sr.ttl)

	_, err := sr.db.Exec(
		"INSERT INTO sessions (token, address, created_at, expires_at, ip_address, user_agent) VALUES (?, ?, ?, ?, ?, ?)",
		token, ks.Address(), now.Unix(), expiresAt.Unix(), ip, ua,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	sr.mu.Lock()
	sr.live[token] = ks
	sr.mu.Unlock()

	return token, nil
}

// Resolve validates a token and returns the unlocked key session bound to it.
func (sr *SessionRegistry) Resolve(token string) (*keystore.Session, *SessionInfo, error) {
	var info SessionInfo
	var createdAt, expiresAt int64
	var revoked int

	err := sr.db.QueryRow(
		"SELECT token, address, created_at, expires_at, ip_address, user_agent, revoked FROM sessions WHERE token = ?",
		token,
	).Scan(&info.Token, &info.Address, &createdAt, &expiresAt, &info.IPAddress, &info.UserAgent, &revoked)

	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("session not found")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("database error: %w", err)
	}

	if revoked != 0 {
		return nil, nil, fmt.Errorf("session revoked")
	}

	info.CreatedAt = time.Unix(createdAt, 0)
	info.ExpiresAt = time.Unix(expiresAt, 0)

	if time.Now().After(info.ExpiresAt) {
		sr.dropKey(token)
		return nil, nil, fmt.Errorf("session expired")
	}

	sr.mu.Lock()
	ks := sr.live[token]
	sr.mu.Unlock()
	if ks == nil {
		// Metadata survived a restart but the key did not; the user must
		// log in again.
		return nil, nil, fmt.Errorf("session key unavailable")
	}

	return ks, &info, nil
}

// Revoke invalidates a session token and erases its key material.
func (sr *SessionRegistry) Revoke(token string) error {
	sr.dropKey(token)
	_, err := sr.db.Exec("UPDATE sessions SET revoked = 1 WHERE token = ?", token)
	return err
}

// RevokeAllForAddress invalidates every session for an address.
func (sr *SessionRegistry) RevokeAllForAddress(address string) error {
	rows, err := sr.db.Query("SELECT token FROM sessions WHERE address = ? AND revoked = 0", address)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var token string
		if rows.Scan(&token) == nil {
			sr.dropKey(token)
		}
	}

	_, err = sr.db.Exec("UPDATE sessions SET revoked = 1 WHERE address = ?", address)
	return err
}

// Cleanup removes expired and revoked sessions and erases any keys still
// bound to them.
func (sr *SessionRegistry) Cleanup() (int64, error) {
	now := time.Now().Unix()

	rows, err := sr.db.Query("SELECT token FROM sessions WHERE revoked = 1 OR expires_at <= ?", now)
	if err != nil {
		return 0, err
	}
	for rows.Next() {
		var token string
		if rows.Scan(&token) == nil {
			sr.dropKey(token)
		}
	}
	rows.Close()

	result, err := sr.db.Exec("DELETE FROM sessions WHERE revoked = 1 OR expires_at <= ?", now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Close erases all resident key material.
func (sr *SessionRegistry) Close() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	for token, ks := range sr.live {
		ks.Close()
		delete(sr.live, token)
	}
}

func (sr *SessionRegistry) dropKey(token string) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if ks := sr.live[token]; ks != nil {
		ks.Close()
		delete(sr.live, token)
	}
}
