// Package jwt provides a key-pair credential for the warehouse client: every
// request carries a short-lived JWT signed with the caller's private key, for
// gateways and token-federation endpoints that trust the matching public key.
package jwt

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	warehouse "github.com/softsense/warehouse-go"
)

// DefaultExpireAfter is the token lifetime used when Config.ExpireAfter is zero.
const DefaultExpireAfter = 5 * time.Minute

// Config holds the claims and key used to mint tokens.
type Config struct {
	Issuer   string
	Subject  string
	Audience []string
	// KeyID is sent as the "kid" header. When empty and PublicKey is set, the
	// SHA-256 fingerprint of the public key is used.
	KeyID string
	// PrivateKey is a PEM-encoded PKCS#8 RSA or ECDSA key.
	PrivateKey []byte
	// PublicKey is the PEM-encoded public key, used only for the fingerprint.
	PublicKey   []byte
	ExpireAfter time.Duration
}

var _ warehouse.Validator = (*Config)(nil)

// Validate checks that required fields are set.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("jwt: Issuer is required")
	}
	if c.Subject == "" {
		return fmt.Errorf("jwt: Subject is required")
	}
	if len(c.PrivateKey) == 0 {
		return fmt.Errorf("jwt: PrivateKey is required")
	}
	if c.ExpireAfter < 0 {
		return fmt.Errorf("jwt: ExpireAfter must not be negative")
	}
	return nil
}

// Credential mints a new signed token for every request.
type Credential struct {
	cfg    Config
	key    crypto.Signer
	method jwt.SigningMethod
	keyID  string
	now    func() time.Time
}

var _ warehouse.Credential = (*Credential)(nil)

// New validates cfg and parses its keys.
func New(cfg Config) (*Credential, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key, method, err := parsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	keyID := cfg.KeyID
	if keyID == "" && len(cfg.PublicKey) > 0 {
		if keyID, err = Fingerprint(cfg.PublicKey); err != nil {
			return nil, fmt.Errorf("jwt: fingerprint generation failed: %w", err)
		}
	}
	if cfg.ExpireAfter == 0 {
		cfg.ExpireAfter = DefaultExpireAfter
	}
	return &Credential{cfg: cfg, key: key, method: method, keyID: keyID, now: time.Now}, nil
}

// Validate implements warehouse.Validator.
func (c *Credential) Validate() error {
	if c == nil || c.key == nil {
		return errors.New("jwt: credential has no key")
	}
	return nil
}

// Authorize implements warehouse.Credential.
func (c *Credential) Authorize(_ context.Context, req *http.Request) error {
	token, err := c.Token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// Token returns a newly signed token.
func (c *Credential) Token() (string, error) {
	now := c.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    c.cfg.Issuer,
		Subject:   c.cfg.Subject,
		Audience:  jwt.ClaimStrings(c.cfg.Audience),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.cfg.ExpireAfter)),
		ID:        uuid.NewString(),
	}

	token := jwt.NewWithClaims(c.method, claims)
	if c.keyID != "" {
		token.Header["kid"] = c.keyID
	}
	signed, err := token.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("jwt: signing failed: %w", err)
	}
	return signed, nil
}

// parsePrivateKey parses a PEM-encoded PKCS#8 key and picks the matching
// signing method.
func parsePrivateKey(pemBytes []byte) (crypto.Signer, jwt.SigningMethod, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, nil, fmt.Errorf("jwt: invalid PEM format for private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("jwt: invalid private key: %w", err)
	}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, jwt.SigningMethodRS256, nil
	case *ecdsa.PrivateKey:
		switch k.Curve.Params().BitSize {
		case 256:
			return k, jwt.SigningMethodES256, nil
		case 384:
			return k, jwt.SigningMethodES384, nil
		case 521:
			return k, jwt.SigningMethodES512, nil
		}
		return nil, nil, fmt.Errorf("jwt: unsupported curve %s", k.Curve.Params().Name)
	}
	return nil, nil, fmt.Errorf("jwt: unsupported private key type %T", key)
}

// Fingerprint computes the SHA256 fingerprint of a PEM-encoded public key.
func Fingerprint(pubPEM []byte) (string, error) {
	block, _ := pem.Decode(pubPEM)
	if block == nil {
		return "", fmt.Errorf("invalid PEM for public key")
	}
	hash := sha256.Sum256(block.Bytes)
	return "SHA256:" + base64.StdEncoding.EncodeToString(hash[:]), nil
}
