package lender

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredential signals an unknown, malformed, or revoked API key.
var ErrInvalidCredential = errors.New("lender: invalid credential")

// Reader abstracts repository lookups for the service.
type Reader interface {
	GetByID(ctx context.Context, id string) (Lender, error)
	GetByAPIKeyID(ctx context.Context, keyID string) (Lender, error)
	UpdateWebhookURL(ctx context.Context, id string, url *string) (Lender, error)
}

// Service resolves presented credentials to lender identities and exposes
// the one mutable lender attribute. Key issuance stays with the
// administrative collaborator.
type Service struct {
	repo Reader
}

func NewService(repo Reader) *Service {
	return &Service{repo: repo}
}

// Resolve authenticates a presented API key of the form "<key_id>.<secret>".
// The secret half is bcrypt-compared against the stored hash, so the raw key
// is never persisted. Inactive lenders are rejected.
func (s *Service) Resolve(ctx context.Context, apiKey string) (Lender, error) {
	keyID, secret, ok := strings.Cut(strings.TrimSpace(apiKey), ".")
	if !ok || keyID == "" || secret == "" {
		return Lender{}, ErrInvalidCredential
	}

	l, err := s.repo.GetByAPIKeyID(ctx, keyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Lender{}, ErrInvalidCredential
		}
		return Lender{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(l.APIKeyHash), []byte(secret)); err != nil {
		return Lender{}, ErrInvalidCredential
	}
	if !l.Active {
		return Lender{}, ErrInvalidCredential
	}

	return l, nil
}

// GetByID returns the lender for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Lender, error) {
	return s.repo.GetByID(ctx, id)
}

// UpdateWebhookURL points the lender's notifications at a new endpoint.
// Passing nil disables delivery; pending events for the lender will be
// marked failed by the dispatcher.
func (s *Service) UpdateWebhookURL(ctx context.Context, id string, url *string) (Lender, error) {
	if url != nil {
		trimmed := strings.TrimSpace(*url)
		if trimmed == "" {
			url = nil
		} else {
			url = &trimmed
		}
	}
	return s.repo.UpdateWebhookURL(ctx, id, url)
}
