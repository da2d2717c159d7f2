package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// SessionInfo describes one live WebSocket connection
type SessionInfo struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserName    string    `json:"user_name"`
	ReadOnly    bool      `json:"read_only"`
	ConnectedAt time.Time `json:"connected_at"`
}

// User is the presence entry broadcast in user_join/user_leave/active_users
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SessionID string `json:"session_id"`
}

func NewSessionInfo(userID, userName string, readOnly bool) *SessionInfo {
	return &SessionInfo{
		ID:          ksuid.New().String(),
		UserID:      userID,
		UserName:    userName,
		ReadOnly:    readOnly,
		ConnectedAt: time.Now(),
	}
}

func (s *SessionInfo) User() User {
	return User{ID: s.UserID, Name: s.UserName, SessionID: s.ID}
}
