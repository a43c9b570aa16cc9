// Package oauth fakes the OAuth consent flow a bot expects from the channel so
// sign-in cards can be exercised against a local bot. Tokens minted here are
// only meaningful to this process.
package oauth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer is the issuer claim stamped on every token minted by the emulator.
const Issuer = "chatemu"

// State errors
var (
	ErrInvalidState = errors.New("invalid sign-in state")
	ErrExpiredState = errors.New("sign-in state expired")
)

// StateClaims is the signed payload carried in a rewritten sign-in link.
type StateClaims struct {
	ConversationID string `json:"cid"`
	BotID          string `json:"bot"`
	ConnectionName string `json:"cn,omitempty"`
	AppID          string `json:"aid,omitempty"`
	CodeChallenge  string `json:"cc,omitempty"`
	jwt.RegisteredClaims
}

// Signer signs and verifies emulator tokens with HS256.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer. An empty secret is replaced by a random one, so
// links do not survive a restart.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate signing secret: %w", err)
		}
	}
	return &Signer{secret: secret}, nil
}

// SignState signs claims valid for ttl. A fresh token ID is assigned.
func (s *Signer) SignState(claims StateClaims, ttl time.Duration) (string, *StateClaims, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    Issuer,
		Subject:   claims.ConversationID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", nil, err
	}
	return signed, &claims, nil
}

// ParseState validates a signed state and returns its claims.
func (s *Signer) ParseState(tokenString string) (*StateClaims, error) {
	claims := &StateClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, s.keyFunc, jwt.WithIssuer(Issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredState
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if !token.Valid {
		return nil, ErrInvalidState
	}
	if claims.ID == "" || claims.ConversationID == "" {
		return nil, fmt.Errorf("%w: missing claim", ErrInvalidState)
	}
	return claims, nil
}

// MintUserToken creates the emulated user token handed to the bot after consent.
func (s *Signer) MintUserToken(userID, connectionName string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(ttl)
	claims := jwt.MapClaims{
		"iss": Issuer,
		"sub": userID,
		"cn":  connectionName,
		"iat": now.Unix(),
		"exp": expires.Unix(),
		"jti": uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

func (s *Signer) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return s.secret, nil
}
