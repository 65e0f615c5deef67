package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "go-chatsync"

var ErrNoSubject = errors.New("auth: token carries no user id")

// Claims is the session token payload. ID is the user identifier that scopes the user room.
type Claims struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) userID() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Subject
}

// Issue signs an HS256 token for userID.
func Issue(secret, userID, username string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", ErrNoSubject
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ID:       userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	})
	return token.SignedString([]byte(secret))
}

// Validator checks signatures with a shared secret.
type Validator struct {
	secret []byte
}

func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret)}
}

// ValidateToken returns the user id and username of a valid token.
func (v *Validator) ValidateToken(tokenString string) (string, string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", err
	}
	if !token.Valid {
		return "", "", jwt.ErrTokenInvalidClaims
	}
	id := claims.userID()
	if id == "" {
		return "", "", ErrNoSubject
	}
	return id, claims.Username, nil
}

// Peek reads the user id without verifying the signature. Clients hold no secret;
// the server verifies on every request.
func Peek(tokenString string) (string, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return "", err
	}
	id := claims.userID()
	if id == "" {
		return "", ErrNoSubject
	}
	return id, nil
}
