package auth

import (
	"context"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/labkeeper/labkeeper/internal/shared"
)

// TokenIssuer signs access tokens.
type TokenIssuer interface {
	Issue(subject, email string) (string, time.Time, error)
}

// Token is an issued access token.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	Subject     string    `json:"subject"`
}

// Service wraps authentication business rules.
type Service struct {
	accounts AccountStore
	issuer   TokenIssuer
}

// NewService constructs a new Service.
func NewService(accounts AccountStore, issuer TokenIssuer) *Service {
	return &Service{accounts: accounts, issuer: issuer}
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (Identity, error) {
	ident, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		return Identity{}, shared.ErrInvalidCredentials
	}
	if !ident.IsActive() {
		return Identity{}, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(ident.PasswordHash), []byte(password)); err != nil {
		return Identity{}, shared.ErrInvalidCredentials
	}
	return ident, nil
}

// Login authenticates and issues an access token.
func (s *Service) Login(ctx context.Context, email, password string) (Identity, Token, error) {
	ident, err := s.Authenticate(ctx, email, password)
	if err != nil {
		return Identity{}, Token{}, err
	}
	signed, expires, err := s.issuer.Issue(ident.ID, ident.Email)
	if err != nil {
		return Identity{}, Token{}, err
	}
	return ident, Token{AccessToken: signed, TokenType: "Bearer", ExpiresAt: expires, Subject: ident.ID}, nil
}
