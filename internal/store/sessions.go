package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Session maps a chat peer to an agent session created in Directory.
type Session struct {
	Channel    string
	IdentityID string
	PeerID     string
	SessionID  string
	Directory  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (s *Store) SetSession(channel, identityID, peerID, sessionID, directory string) error {
	_, err := s.db.Exec(`INSERT INTO sessions (channel, identity_id, peer_id, session_id, directory)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (channel, identity_id, peer_id)
		DO UPDATE SET session_id = excluded.session_id, directory = excluded.directory,
			updated_at = CURRENT_TIMESTAMP`,
		channel, identityID, peerID, sessionID, directory)
	if err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

// GetSession returns nil, nil when the peer has no session.
func (s *Store) GetSession(channel, identityID, peerID string) (*Session, error) {
	sess := &Session{}
	var createdAt, updatedAt string
	err := s.db.QueryRow(`SELECT channel, identity_id, peer_id, session_id, directory, created_at, updated_at
		FROM sessions WHERE channel = ? AND identity_id = ? AND peer_id = ?`,
		channel, identityID, peerID).Scan(
		&sess.Channel, &sess.IdentityID, &sess.PeerID, &sess.SessionID, &sess.Directory, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return sess, nil
}

func (s *Store) DeleteSession(channel, identityID, peerID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE channel = ? AND identity_id = ? AND peer_id = ?`,
		channel, identityID, peerID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// CountSessions returns the number of stored peer sessions.
func (s *Store) CountSessions() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}
