package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"sohio.net/snowgen/internal/guid"
)

const Issuer = "snowgen"

var (
	ErrNoSecret  = errors.New("a signing secret is required")
	ErrNoSubject = errors.New("a subject is required")
	ErrInvalid   = errors.New("invalid token")
)

// Signer issues HS256 tokens whose jti comes from a guid.Creator.
type Signer struct {
	secret []byte
	ttl    time.Duration
	jti    guid.Creator[string]
	now    func() time.Time
}

func NewSigner(secret []byte, ttl time.Duration, jti guid.Creator[string]) (*Signer, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl %s must be positive", ttl)
	}
	return &Signer{secret: secret, ttl: ttl, jti: jti, now: time.Now}, nil
}

// Issue signs a token for subject. Errors from the jti creator, such as a
// snowflake clock regression, are returned unwrapped.
func (s *Signer) Issue(subject string) (string, *jwt.RegisteredClaims, error) {
	if subject == "" {
		return "", nil, ErrNoSubject
	}
	jti, err := s.jti.NextID()
	if err != nil {
		return "", nil, err
	}

	now := s.now()
	claims := &jwt.RegisteredClaims{
		ID:        jti,
		Issuer:    Issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// Verify parses and validates a token signed with the same secret.
func (s *Signer) Verify(tokenStr string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalid)
	}
	if !tok.Valid {
		return nil, ErrInvalid
	}
	return claims, nil
}
