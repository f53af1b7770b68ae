package types

import "time"

// Session is the verified content of a session token.
type Session struct {
	ID        string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	Name      string    `json:"name"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// User returns the identity carried by the session.
func (s Session) User() PublicUser {
	return PublicUser{ID: s.UserID, Email: s.Email, Role: s.Role, Name: s.Name}
}
