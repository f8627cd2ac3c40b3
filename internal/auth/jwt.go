package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultIssuer is the issuer stamped on and required of every token.
const DefaultIssuer = "promode"

var (
	ErrEmptySecret   = errors.New("jwt signing secret is empty")
	ErrInvalidToken  = errors.New("invalid token")
	ErrInvalidIssuer = errors.New("invalid token issuer")
)

// JWTManager handles JWT token operations
type JWTManager struct {
	signingKey  []byte
	tokenExpiry time.Duration
	issuer      string
	now         func() time.Time
}

// NewJWTManager creates a new JWT manager. An empty issuer selects
// DefaultIssuer.
func NewJWTManager(signingKey, issuer string, expiry time.Duration) (*JWTManager, error) {
	if signingKey == "" {
		return nil, ErrEmptySecret
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &JWTManager{
		signingKey:  []byte(signingKey),
		tokenExpiry: expiry,
		issuer:      issuer,
		now:         time.Now,
	}, nil
}

// Claims represents the JWT claims accepted by the service
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// GenerateToken issues an HS256 access token for subject.
func (j *JWTManager) GenerateToken(subject string, scopes ...string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	now := j.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.tokenExpiry)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Scopes: scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.signingKey)
}

// ValidateToken validates and parses a JWT access token
func (j *JWTManager) ValidateToken(tokenString string) (*UserContext, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.signingKey, nil
	}, jwt.WithTimeFunc(j.now))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != j.issuer {
		return nil, ErrInvalidIssuer
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return &UserContext{
		Subject: claims.Subject,
		TokenID: claims.ID,
		Scopes:  claims.Scopes,
	}, nil
}
