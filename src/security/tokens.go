package security

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/google/uuid"
)

type TokenKind string

const (
	AccessToken  TokenKind = "access"
	RefreshToken TokenKind = "refresh"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is what the backend reads back from a verified token.
type Claims struct {
	ID        string
	Subject   string
	Kind      TokenKind
	Email     string
	ExpiresAt time.Time
}

type customClaims struct {
	Kind  TokenKind `json:"type"`
	Email string    `json:"email,omitempty"`
}

// Issuer signs and verifies HS256 access and refresh tokens.
type Issuer struct {
	key        []byte
	signer     jose.Signer
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewIssuer builds an issuer. An empty secret gets a random key, so tokens
// do not survive a restart.
func NewIssuer(secret, issuer string, accessTTL, refreshTTL time.Duration) (*Issuer, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}
	return &Issuer{
		key:        key,
		signer:     signer,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}, nil
}

func (i *Issuer) AccessTTL() time.Duration { return i.accessTTL }

// Issue signs a token of the given kind for userID.
func (i *Issuer) Issue(userID, email string, kind TokenKind) (string, Claims, error) {
	ttl := i.accessTTL
	if kind == RefreshToken {
		ttl = i.refreshTTL
	}
	now := i.now()
	std := jwt.Claims{
		ID:       uuid.NewString(),
		Issuer:   i.issuer,
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
	}
	raw, err := jwt.Signed(i.signer).Claims(std).Claims(customClaims{Kind: kind, Email: email}).CompactSerialize()
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign %s token: %w", kind, err)
	}
	return raw, Claims{ID: std.ID, Subject: userID, Kind: kind, Email: email, ExpiresAt: std.Expiry.Time()}, nil
}

// Verify checks signature, issuer, expiry and kind.
func (i *Issuer) Verify(raw string, kind TokenKind) (*Claims, error) {
	tok, err := jwt.ParseSigned(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var (
		std    jwt.Claims
		custom customClaims
	)
	if err := tok.Claims(i.key, &std, &custom); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := std.ValidateWithLeeway(jwt.Expected{Issuer: i.issuer, Time: i.now()}, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if custom.Kind != kind || std.Subject == "" {
		return nil, fmt.Errorf("%w: expected %s token", ErrInvalidToken, kind)
	}
	return &Claims{
		ID:        std.ID,
		Subject:   std.Subject,
		Kind:      custom.Kind,
		Email:     custom.Email,
		ExpiresAt: std.Expiry.Time(),
	}, nil
}
