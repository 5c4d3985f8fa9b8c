package lender

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

type fakeReader struct {
	byKeyID map[string]Lender
	byID    map[string]Lender
	updated *string
}

func (f *fakeReader) GetByID(ctx context.Context, id string) (Lender, error) {
	l, ok := f.byID[id]
	if !ok {
		return Lender{}, ErrNotFound
	}
	return l, nil
}

func (f *fakeReader) GetByAPIKeyID(ctx context.Context, keyID string) (Lender, error) {
	l, ok := f.byKeyID[keyID]
	if !ok {
		return Lender{}, ErrNotFound
	}
	return l, nil
}

func (f *fakeReader) UpdateWebhookURL(ctx context.Context, id string, url *string) (Lender, error) {
	f.updated = url
	l := f.byID[id]
	l.WebhookURL = url
	return l, nil
}

func hashSecret(t *testing.T, secret string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	return string(h)
}

func TestResolve(t *testing.T) {
	repo := &fakeReader{byKeyID: map[string]Lender{
		"lk_abc": {ID: "l-1", Name: "ABC Bank", APIKeyID: "lk_abc", APIKeyHash: hashSecret(t, "s3cret"), Active: true},
	}}
	svc := NewService(repo)

	l, err := svc.Resolve(context.Background(), "lk_abc.s3cret")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if l.ID != "l-1" {
		t.Fatalf("expected lender l-1, got %s", l.ID)
	}
}

func TestResolveRejections(t *testing.T) {
	repo := &fakeReader{byKeyID: map[string]Lender{
		"lk_abc": {ID: "l-1", APIKeyID: "lk_abc", APIKeyHash: hashSecret(t, "s3cret"), Active: true},
		"lk_off": {ID: "l-2", APIKeyID: "lk_off", APIKeyHash: hashSecret(t, "s3cret"), Active: false},
	}}
	svc := NewService(repo)

	cases := []struct {
		name string
		key  string
	}{
		{"wrong secret", "lk_abc.wrong"},
		{"unknown key id", "lk_zzz.s3cret"},
		{"malformed", "justonestring"},
		{"empty", ""},
		{"inactive lender", "lk_off.s3cret"},
	}

	for _, c := range cases {
		if _, err := svc.Resolve(context.Background(), c.key); !errors.Is(err, ErrInvalidCredential) {
			t.Errorf("%s: expected ErrInvalidCredential, got %v", c.name, err)
		}
	}
}

func TestUpdateWebhookURLTrimsAndNils(t *testing.T) {
	repo := &fakeReader{byID: map[string]Lender{"l-1": {ID: "l-1"}}}
	svc := NewService(repo)

	u := "  https://example.com/hook "
	if _, err := svc.UpdateWebhookURL(context.Background(), "l-1", &u); err != nil {
		t.Fatal(err)
	}
	if repo.updated == nil || *repo.updated != "https://example.com/hook" {
		t.Fatalf("expected trimmed url, got %v", repo.updated)
	}

	blank := "   "
	if _, err := svc.UpdateWebhookURL(context.Background(), "l-1", &blank); err != nil {
		t.Fatal(err)
	}
	if repo.updated != nil {
		t.Fatalf("expected nil url for blank input, got %q", *repo.updated)
	}
}
