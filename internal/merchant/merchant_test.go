package merchant

import (
	"context"
	"testing"
)

func TestCreateGeneratesSecretWithURL(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	m, err := svc.Create(ctx, "Acme", "https://acme.example/hook")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if m.WebhookSecret == "" {
		t.Error("no secret generated for merchant with destination")
	}
	if len(m.WebhookSecret) != 64 {
		t.Errorf("secret length = %d, want 64 hex chars", len(m.WebhookSecret))
	}

	quiet, err := svc.Create(ctx, "Quiet", "")
	if err != nil {
		t.Fatal(err)
	}
	if quiet.WebhookSecret != "" {
		t.Error("secret generated for merchant without destination")
	}
}

func TestSetWebhookRotatesSecret(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	m, err := svc.Create(ctx, "Acme", "https://acme.example/hook")
	if err != nil {
		t.Fatal(err)
	}
	first := m.WebhookSecret

	// Same URL keeps the secret.
	m, err = svc.SetWebhook(ctx, m.ID, "https://acme.example/hook")
	if err != nil {
		t.Fatal(err)
	}
	if m.WebhookSecret != first {
		t.Error("secret rotated without a URL change")
	}

	// New URL rotates it.
	m, err = svc.SetWebhook(ctx, m.ID, "https://acme.example/hook2")
	if err != nil {
		t.Fatal(err)
	}
	if m.WebhookSecret == first || m.WebhookSecret == "" {
		t.Error("secret not rotated on URL change")
	}

	// Clearing the URL clears the secret.
	m, err = svc.SetWebhook(ctx, m.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if m.WebhookSecret != "" {
		t.Error("secret survives destination removal")
	}

	// Setting a URL again generates a fresh one.
	m, err = svc.SetWebhook(ctx, m.ID, "https://acme.example/hook3")
	if err != nil {
		t.Fatal(err)
	}
	if m.WebhookSecret == "" {
		t.Error("no secret after re-adding destination")
	}
}

func TestWebhookDestination(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	m, err := svc.Create(ctx, "Acme", "https://acme.example/hook")
	if err != nil {
		t.Fatal(err)
	}

	dest, err := svc.WebhookDestination(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if dest == nil || dest.URL != "https://acme.example/hook" || dest.Secret != m.WebhookSecret {
		t.Errorf("destination = %+v", dest)
	}

	quiet, err := svc.Create(ctx, "Quiet", "")
	if err != nil {
		t.Fatal(err)
	}
	dest, err = svc.WebhookDestination(ctx, quiet.ID)
	if err != nil {
		t.Fatal(err)
	}
	if dest != nil {
		t.Errorf("destination for merchant without URL = %+v, want nil", dest)
	}

	if _, err := svc.WebhookDestination(ctx, "mch_missing"); err == nil {
		t.Error("missing merchant did not error")
	}
}
