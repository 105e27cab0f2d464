// Package util provides small shared helpers used across the mcp-authkit
// library: safe string truncation for logging, URL normalization, and
// random-value generation for states, codes, and verifiers.
package util

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// SafeTruncate safely truncates a string to maxLen characters without
// panicking. Used when logging sensitive values like tokens, where only a
// short prefix should ever appear in logs.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL normalizes a URL for comparison by removing trailing slashes.
// Used for RFC 8707 resource identifier and issuer comparison.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// RandomToken returns a URL-safe random string carrying n bytes of entropy.
// Panics only if the platform CSPRNG is unavailable, which is unrecoverable.
func RandomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// GenerateCodeVerifier returns a PKCE code verifier per RFC 7636 section 4.1
// (43-128 characters from the unreserved set; base64url of 32 random bytes).
func GenerateCodeVerifier() string {
	return RandomToken(32)
}

// CodeChallengeS256 derives the S256 code challenge for a verifier:
// BASE64URL(SHA256(ASCII(verifier))) without padding.
func CodeChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
