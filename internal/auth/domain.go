package auth

import "time"

// Identity status values.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusLocked   = "locked"
)

// Identity represents a user account as the identity store knows it.
type Identity struct {
	ID           string
	Email        string
	PasswordHash string
	Status       string
	Roles        []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsActive reports whether the identity may authenticate.
func (i Identity) IsActive() bool {
	return i.Status == StatusActive
}

// Credential is a verified token.
type Credential struct {
	SubjectID string
	Expiry    time.Time
}
