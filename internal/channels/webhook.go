package channels

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// VerifyResult is the outcome of webhook signature verification. Reason
// distinguishes "header absent" from "value mismatch" for operability; both
// are rejected identically.
type VerifyResult struct {
	Valid  bool
	Reason string
}

const (
	ReasonNoSecret         = "no secret configured"
	ReasonMissingSignature = "missing signature header"
	ReasonMismatch         = "signature mismatch"
	ReasonVerified         = "verified"
)

// VerifyHMACSHA256 checks an HMAC-SHA256 hex signature of body against the
// named header. Header lookup is case-insensitive (platforms inconsistently
// capitalize). prefix is stripped from the header value when present (e.g.
// "sha256=" for Meta-style signatures). An empty secret short-circuits to
// valid — an explicit operator choice, not a bug.
func VerifyHMACSHA256(header http.Header, body []byte, headerName, prefix, secret string) VerifyResult {
	if secret == "" {
		return VerifyResult{Valid: true, Reason: ReasonNoSecret}
	}

	got := header.Get(headerName) // http.Header.Get canonicalizes the name
	if got == "" {
		return VerifyResult{Valid: false, Reason: ReasonMissingSignature}
	}
	if prefix != "" {
		got = strings.TrimPrefix(got, prefix)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(strings.ToLower(got)), []byte(want)) {
		return VerifyResult{Valid: false, Reason: ReasonMismatch}
	}
	return VerifyResult{Valid: true, Reason: ReasonVerified}
}

// VerifySharedSecret checks a plain shared-token header (MAX-style) in
// constant time. Same missing-vs-mismatch distinction as the HMAC variant.
func VerifySharedSecret(header http.Header, headerName, secret string) VerifyResult {
	if secret == "" {
		return VerifyResult{Valid: true, Reason: ReasonNoSecret}
	}

	got := header.Get(headerName)
	if got == "" {
		return VerifyResult{Valid: false, Reason: ReasonMissingSignature}
	}
	if !hmac.Equal([]byte(got), []byte(secret)) {
		return VerifyResult{Valid: false, Reason: ReasonMismatch}
	}
	return VerifyResult{Valid: true, Reason: ReasonVerified}
}
