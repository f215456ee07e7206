// Package token mints short-lived capability tokens for the external
// real-time media provider.
package token

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrConfigMissing indicates the signing secret or API key has not been
	// configured.
	ErrConfigMissing = errors.New("token signing configuration missing")
	// ErrBadInput indicates a mint request failed validation.
	ErrBadInput = errors.New("invalid token request")
)

// MaxTTL bounds the lifetime of any minted token.
const MaxTTL = 4 * time.Hour

var roomPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// VideoGrant carries the room capabilities encoded into a token. The field
// set matches what the media provider expects verbatim.
type VideoGrant struct {
	RoomJoin             bool   `json:"roomJoin"`
	Room                 string `json:"room"`
	CanPublish           bool   `json:"canPublish"`
	CanPublishData       bool   `json:"canPublishData"`
	CanSubscribe         bool   `json:"canSubscribe"`
	CanUpdateOwnMetadata bool   `json:"canUpdateOwnMetadata"`
	Hidden               bool   `json:"hidden"`
	Recorder             bool   `json:"recorder"`
}

// Claims is the full claim set of a capability token.
type Claims struct {
	jwt.RegisteredClaims
	Name  string     `json:"name"`
	Video VideoGrant `json:"video"`
}

// Minter issues signed capability tokens. It is pure and safe for concurrent
// use; output depends only on the inputs and the clock.
type Minter struct {
	apiKey string
	secret []byte
	now    func() time.Time
}

// NewMinter constructs a Minter for the given provider API key and shared
// signing secret.
func NewMinter(apiKey, secret string) (*Minter, error) {
	if strings.TrimSpace(apiKey) == "" || strings.TrimSpace(secret) == "" {
		return nil, ErrConfigMissing
	}
	return &Minter{apiKey: apiKey, secret: []byte(secret), now: time.Now}, nil
}

// WithClock overrides the minter's time source. Intended for tests.
func (m *Minter) WithClock(now func() time.Time) *Minter {
	clone := *m
	clone.now = now
	return &clone
}

// Mint produces a compact HS256 token granting the participant access to the
// room. Publishers receive data-channel publish rights as well; everyone may
// subscribe.
func (m *Minter) Mint(room, participantID, participantName string, canPublish bool, ttl time.Duration) (string, error) {
	if m == nil || len(m.secret) == 0 {
		return "", ErrConfigMissing
	}
	if !roomPattern.MatchString(room) {
		return "", fmt.Errorf("%w: room must match %s", ErrBadInput, roomPattern.String())
	}
	if strings.TrimSpace(participantID) == "" {
		return "", fmt.Errorf("%w: participant id is required", ErrBadInput)
	}
	if ttl <= 0 || ttl > MaxTTL {
		return "", fmt.Errorf("%w: ttl must be positive and at most %s", ErrBadInput, MaxTTL)
	}
	now := m.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.apiKey,
			Subject:   participantID,
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: participantName,
		Video: VideoGrant{
			RoomJoin:       true,
			Room:           room,
			CanPublish:     canPublish,
			CanPublishData: canPublish,
			CanSubscribe:   true,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Decode parses and verifies a token previously produced by Mint. It exists
// so callers and tests can round-trip tokens without reimplementing
// verification.
func (m *Minter) Decode(raw string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		return Claims{}, err
	}
	if !parsed.Valid {
		return Claims{}, fmt.Errorf("token is not valid")
	}
	return claims, nil
}
