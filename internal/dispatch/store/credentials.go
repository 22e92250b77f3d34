package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UserCredential holds the per-user API key used to launch and poll agent
// runs on the user's behalf.
type UserCredential struct {
	UserID      string
	AgentAPIKey string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UpsertCredential creates or replaces the credential for the given user.
func (s *Store) UpsertCredential(userID, agentAPIKey string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.conn.Exec(`
		INSERT INTO user_credentials (user_id, agent_api_key, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET agent_api_key = excluded.agent_api_key, updated_at = excluded.updated_at`,
		userID, agentAPIKey, now, now)
	if err != nil {
		return fmt.Errorf("upserting credential for %s: %w", userID, err)
	}
	return nil
}

// DeleteCredential removes the credential for the given user. Deleting a
// missing credential is not an error.
func (s *Store) DeleteCredential(userID string) error {
	if _, err := s.conn.Exec(`DELETE FROM user_credentials WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("deleting credential for %s: %w", userID, err)
	}
	return nil
}

// CredentialsExist reports whether the user has an agent API key on file.
func (s *Store) CredentialsExist(userID string) (bool, error) {
	var one int
	err := s.conn.QueryRow(`SELECT 1 FROM user_credentials WHERE user_id = ? AND agent_api_key != ''`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking credentials for %s: %w", userID, err)
	}
	return true, nil
}

// GetAgentAPIKey returns the user's agent API key, or ErrNotFound.
func (s *Store) GetAgentAPIKey(userID string) (string, error) {
	var key string
	err := s.conn.QueryRow(`SELECT agent_api_key FROM user_credentials WHERE user_id = ?`, userID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("credential for %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential for %s: %w", userID, err)
	}
	return key, nil
}
