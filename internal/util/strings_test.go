package util

import (
	"regexp"
	"testing"
)

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"longer than max", "very-long-token-abc123", 8, "very-lon"},
		{"shorter than max", "short", 10, "short"},
		{"exact length", "eight_ch", 8, "eight_ch"},
		{"empty string", "", 5, ""},
		{"zero max", "value", 0, ""},
		{"negative max", "value", -1, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"https://example.com/", "https://example.com"},
		{"https://example.com", "https://example.com"},
		{"https://example.com///", "https://example.com"},
	}

	for _, tt := range tests {
		if got := NormalizeURL(tt.input); got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestRandomToken_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok := RandomToken(32)
		if seen[tok] {
			t.Fatalf("RandomToken produced duplicate: %s", tok)
		}
		seen[tok] = true
	}
}

func TestGenerateCodeVerifier_Format(t *testing.T) {
	// RFC 7636: 43-128 chars from [A-Za-z0-9-._~]
	valid := regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)
	for i := 0; i < 10; i++ {
		v := GenerateCodeVerifier()
		if !valid.MatchString(v) {
			t.Errorf("code verifier %q does not match RFC 7636 format", v)
		}
	}
}

func TestCodeChallengeS256(t *testing.T) {
	// Known vector from RFC 7636 appendix B.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got := CodeChallengeS256(verifier); got != want {
		t.Errorf("CodeChallengeS256() = %q, want %q", got, want)
	}
}
