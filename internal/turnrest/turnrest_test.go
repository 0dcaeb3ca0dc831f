package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func fixedNow() time.Time {
	return time.Unix(1_700_000_000, 0).UTC()
}

func TestGenerate(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:   "secret",
		TTLSeconds:     600,
		UsernamePrefix: "meshconf",
		Now:            fixedNow,
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.Generate("p1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if creds.Username != "1700000600:meshconf:p1" {
		t.Fatalf("username=%q, want 1700000600:meshconf:p1", creds.Username)
	}
	if creds.ExpiryUnix != 1_700_000_600 {
		t.Fatalf("expiry=%d, want 1700000600", creds.ExpiryUnix)
	}

	mac := hmac.New(sha1.New, []byte("secret"))
	mac.Write([]byte(creds.Username))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if creds.Credential != want {
		t.Fatalf("credential=%q, want %q", creds.Credential, want)
	}
}

func TestGenerateRejectsColonInID(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:   "secret",
		TTLSeconds:     600,
		UsernamePrefix: "meshconf",
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	if _, err := g.Generate("a:b"); err == nil {
		t.Fatalf("expected error for id with colon")
	}
	if _, err := g.Generate(""); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestGenerateRandomUsesIDSource(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:   "secret",
		TTLSeconds:     600,
		UsernamePrefix: "meshconf",
		Now:            fixedNow,
		IDSource:       func() (string, error) { return "fixed-id", nil },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	creds, err := g.GenerateRandom()
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	if !strings.HasSuffix(creds.Username, ":fixed-id") {
		t.Fatalf("username=%q, want :fixed-id suffix", creds.Username)
	}
}

func TestNewGeneratorValidation(t *testing.T) {
	cases := []GeneratorConfig{
		{TTLSeconds: 600, UsernamePrefix: "meshconf"},
		{SharedSecret: "secret", UsernamePrefix: "meshconf"},
		{SharedSecret: "secret", TTLSeconds: 600},
		{SharedSecret: "secret", TTLSeconds: 600, UsernamePrefix: "a:b"},
	}
	for i, cfg := range cases {
		if _, err := NewGenerator(cfg); err == nil {
			t.Fatalf("case %d: expected error, got nil", i)
		}
	}
}
