// Package jws handles JWT-bearer assertions: decoding the untrusted header and
// claim set, and verifying JWS signatures under an explicit algorithm
// allow-list. Nothing decoded here may be trusted before a Signature produced
// by the factory has verified the signing input.
package jws

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AlgorithmRS256 is the only signing algorithm this server accepts for
// JWT-bearer assertions.
const AlgorithmRS256 = "RS256"

// Header is the JOSE header of an assertion. Its contents are
// attacker-controlled until the signature has been verified.
type Header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ,omitempty"`
	Kid string `json:"kid,omitempty"`
}

// ClaimSet is the claim set of an assertion. Like the header, it is untrusted
// input until signature verification succeeds.
type ClaimSet struct {
	Iss string `json:"iss"`
	Sub string `json:"sub,omitempty"`
	Aud string `json:"aud,omitempty"`
	Exp int64  `json:"exp"`
	Iat int64  `json:"iat,omitempty"`
	Nbf int64  `json:"nbf,omitempty"`
}

// ValidAt reports whether the claim set's validity window contains the
// supplied instant. An assertion without exp is never valid.
func (c *ClaimSet) ValidAt(now time.Time) bool {
	if c.Exp == 0 || !now.Before(time.Unix(c.Exp, 0)) {
		return false
	}
	if c.Nbf != 0 && now.Before(time.Unix(c.Nbf, 0)) {
		return false
	}
	return true
}

// Assertion is a decoded but unverified JWS compact serialization.
// SigningInput is the exact byte sequence the signature covers.
type Assertion struct {
	Header       Header
	Claims       ClaimSet
	SigningInput []byte
	Signature    []byte
}

// DecodeAssertion splits a compact JWS serialization into its parts without
// verifying anything. The declared algorithm must be inspected by the caller
// before any cryptographic use of the result.
func DecodeAssertion(raw string) (*Assertion, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("jws: expected 3 segments, got %d", len(parts))
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("jws: malformed header segment: %w", err)
	}
	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("jws: malformed claims segment: %w", err)
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("jws: malformed signature segment: %w", err)
	}

	var a Assertion
	if err := json.Unmarshal(headerJSON, &a.Header); err != nil {
		return nil, fmt.Errorf("jws: invalid header: %w", err)
	}
	if err := json.Unmarshal(claimsJSON, &a.Claims); err != nil {
		return nil, fmt.Errorf("jws: invalid claims: %w", err)
	}
	a.SigningInput = []byte(parts[0] + "." + parts[1])
	a.Signature = signature
	return &a, nil
}

// Signature verifies a JWS signature over a signing input.
type Signature interface {
	Verify(signingInput []byte, key *rsa.PublicKey) bool
}

// SignatureFactory produces a verifier for the algorithm a header declares,
// or reports false for every algorithm the server does not accept.
type SignatureFactory func(signature []byte, header Header) (Signature, bool)

// RS256Only is the production SignatureFactory. The match over algorithms is
// exhaustive and closed: anything other than RS256, including "none" and the
// HMAC family, is rejected before signature bytes are ever examined, which
// closes the algorithm confusion class of attacks.
func RS256Only(signature []byte, header Header) (Signature, bool) {
	switch header.Alg {
	case AlgorithmRS256:
		return rsaSignature{signature: signature}, true
	default:
		return nil, false
	}
}

// rsaSignature verifies RSASSA-PKCS1-v1_5 with SHA-256 signatures.
type rsaSignature struct {
	signature []byte
}

func (s rsaSignature) Verify(signingInput []byte, key *rsa.PublicKey) bool {
	return jwt.SigningMethodRS256.Verify(string(signingInput), s.signature, key) == nil
}

// ParseRSAPublicKey parses a PEM-encoded RSA public key as stored on a
// service account record.
func ParseRSAPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("jws: parse RSA public key: %w", err)
	}
	return key, nil
}
