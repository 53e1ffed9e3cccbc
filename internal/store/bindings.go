package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Binding maps a chat peer to a workspace directory.
type Binding struct {
	Channel    string
	IdentityID string
	PeerID     string
	Directory  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SetBinding creates or replaces the binding for a peer. Callers validate
// the directory before writing.
func (s *Store) SetBinding(channel, identityID, peerID, directory string) error {
	_, err := s.db.Exec(`INSERT INTO bindings (channel, identity_id, peer_id, directory)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (channel, identity_id, peer_id)
		DO UPDATE SET directory = excluded.directory, updated_at = CURRENT_TIMESTAMP`,
		channel, identityID, peerID, directory)
	if err != nil {
		return fmt.Errorf("set binding: %w", err)
	}
	return nil
}

// GetBinding returns nil, nil when the peer has no binding.
func (s *Store) GetBinding(channel, identityID, peerID string) (*Binding, error) {
	b := &Binding{}
	var createdAt, updatedAt string
	err := s.db.QueryRow(`SELECT channel, identity_id, peer_id, directory, created_at, updated_at
		FROM bindings WHERE channel = ? AND identity_id = ? AND peer_id = ?`,
		channel, identityID, peerID).Scan(
		&b.Channel, &b.IdentityID, &b.PeerID, &b.Directory, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get binding: %w", err)
	}
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return b, nil
}

func (s *Store) DeleteBinding(channel, identityID, peerID string) error {
	_, err := s.db.Exec(`DELETE FROM bindings WHERE channel = ? AND identity_id = ? AND peer_id = ?`,
		channel, identityID, peerID)
	if err != nil {
		return fmt.Errorf("delete binding: %w", err)
	}
	return nil
}

// ListBindings filters by channel and identity; empty filters match everything.
func (s *Store) ListBindings(channel, identityID string) ([]*Binding, error) {
	rows, err := s.db.Query(`SELECT channel, identity_id, peer_id, directory, created_at, updated_at
		FROM bindings
		WHERE (? = '' OR channel = ?) AND (? = '' OR identity_id = ?)
		ORDER BY channel, identity_id, peer_id`,
		channel, channel, identityID, identityID)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()
	return scanBindings(rows)
}

// ListBindingsByDirectory returns every peer bound to directory.
func (s *Store) ListBindingsByDirectory(directory string) ([]*Binding, error) {
	rows, err := s.db.Query(`SELECT channel, identity_id, peer_id, directory, created_at, updated_at
		FROM bindings WHERE directory = ? ORDER BY channel, identity_id, peer_id`, directory)
	if err != nil {
		return nil, fmt.Errorf("list bindings by directory: %w", err)
	}
	defer rows.Close()
	return scanBindings(rows)
}

func scanBindings(rows *sql.Rows) ([]*Binding, error) {
	var result []*Binding
	for rows.Next() {
		b := &Binding{}
		var createdAt, updatedAt string
		if err := rows.Scan(&b.Channel, &b.IdentityID, &b.PeerID, &b.Directory, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		b.CreatedAt = parseTime(createdAt)
		b.UpdatedAt = parseTime(updatedAt)
		result = append(result, b)
	}
	return result, rows.Err()
}

func parseTime(s string) time.Time {
	for _, layout := range []string{timeFmt, time.RFC3339, "2006-01-02T15:04:05Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
