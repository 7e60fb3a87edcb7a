package receipts

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

const signatureValidity = 30 * 24 * time.Hour // 30 days, receipts are proof documents

// Signer signs receipt payloads with HMAC-SHA256.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a new HMAC signer. If secret is empty, signing is disabled
// and nil is returned; a nil Signer is safe to use.
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	return &Signer{secret: []byte(secret), now: time.Now}
}

// Sign computes HMAC-SHA256 of the canonical JSON of payload.
func (s *Signer) Sign(payload any) (signature string, issuedAt, expiresAt time.Time, err error) {
	if s == nil {
		return "", time.Time{}, time.Time{}, ErrSigningDisabled
	}
	mac, err := s.mac(payload)
	if err != nil {
		return "", time.Time{}, time.Time{}, err
	}
	now := s.now().UTC().Truncate(time.Second)
	return mac, now, now.Add(signatureValidity), nil
}

// Verify checks the HMAC-SHA256 signature of the canonical JSON payload.
func (s *Signer) Verify(payload any, signature string) bool {
	if s == nil {
		return false
	}
	expected, err := s.mac(payload)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (s *Signer) mac(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	m := hmac.New(sha256.New, s.secret)
	m.Write(data)
	return hex.EncodeToString(m.Sum(nil)), nil
}

// payloadHash is the hex SHA-256 of the canonical JSON of payload.
func payloadHash(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
