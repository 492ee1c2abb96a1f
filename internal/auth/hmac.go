package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
)

// Identity is the verified principal attached to a live connection.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// Verifier resolves a handshake credential into an identity. Credential
// issuance lives outside this service; the gateway only consumes the result.
type Verifier interface {
	Verify(token string) (*Identity, error)
}

// HMACVerifier validates compact JWT-style tokens signed with HS256 and maps
// their claims onto a chat identity.
type HMACVerifier struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewHMACVerifier constructs a verifier for the supplied shared secret and
// clock skew allowance.
func NewHMACVerifier(secret string, leeway time.Duration) (*HMACVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &HMACVerifier{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

type tokenPayload struct {
	Subject     string `json:"sub"`
	DisplayName string `json:"name"`
	Role        string `json:"role"`
	Expires     int64  `json:"exp"`
	Issued      int64  `json:"iat"`
}

// Verify parses the token, validates signature and expiry, and returns the
// embedded identity.
func (v *HMACVerifier) Verify(token string) (*Identity, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	headerPayload := strings.Join(parts[:2], ".")

	headerBytes, err := decodeSegment(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var header struct {
		Algorithm string `json:"alg"`
		Type      string `json:"typ"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, ErrInvalidToken
	}
	if header.Algorithm != "HS256" {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, header.Algorithm)
	}

	expectedSig := v.sign([]byte(headerPayload))
	signatureBytes, err := decodeSegment(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal(signatureBytes, expectedSig) {
		return nil, ErrInvalidToken
	}

	payloadBytes, err := decodeSegment(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var payload tokenPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(payload.Subject) == "" {
		return nil, ErrInvalidToken
	}
	if payload.Expires <= 0 {
		return nil, ErrInvalidToken
	}
	if time.Unix(payload.Expires, 0).Add(v.leeway).Before(v.now()) {
		return nil, ErrExpiredToken
	}

	identity := &Identity{
		ID:          payload.Subject,
		DisplayName: strings.TrimSpace(payload.DisplayName),
		Role:        strings.TrimSpace(payload.Role),
	}
	if identity.DisplayName == "" {
		identity.DisplayName = identity.ID
	}
	if identity.Role == "" {
		identity.Role = "member"
	}
	return identity, nil
}

// MintToken signs a token for the identity, primarily used by tests and the
// local development tooling.
func (v *HMACVerifier) MintToken(identity Identity, ttl time.Duration) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", errors.New("verifier not initialised")
	}
	if strings.TrimSpace(identity.ID) == "" {
		return "", errors.New("identity id must not be empty")
	}
	now := v.now()
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(tokenPayload{
		Subject:     identity.ID,
		DisplayName: identity.DisplayName,
		Role:        identity.Role,
		Expires:     now.Add(ttl).Unix(),
		Issued:      now.Unix(),
	})
	if err != nil {
		return "", err
	}
	signing := encodeSegment(header) + "." + encodeSegment(payload)
	return signing + "." + encodeSegment(v.sign([]byte(signing))), nil
}

func (v *HMACVerifier) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func decodeSegment(segment string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(segment)
}

func encodeSegment(segment []byte) string {
	return base64.RawURLEncoding.EncodeToString(segment)
}

// WithClock overrides the verifier clock, enabling deterministic unit tests.
func (v *HMACVerifier) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	v.now = clock
}
