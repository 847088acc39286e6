package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// DeviceKeySource resolves the stored key hash for a device.
type DeviceKeySource interface {
	DeviceKeyHash(ctx context.Context, deviceUUID string) (string, error)
}

// DeviceAuthenticator verifies X-Device-Key headers against bcrypt hashes
// stored with the device. Verified devices are cached for a TTL so the hot
// ingest path does not pay a bcrypt compare per packet.
type DeviceAuthenticator struct {
	source DeviceKeySource
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]time.Time // device_uuid|key fingerprint -> expiry
}

// NewDeviceAuthenticator creates the authenticator with the given cache TTL.
func NewDeviceAuthenticator(source DeviceKeySource, ttl time.Duration) *DeviceAuthenticator {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &DeviceAuthenticator{
		source: source,
		ttl:    ttl,
		cache:  make(map[string]time.Time),
	}
}

// Verify checks the presented device key.
func (a *DeviceAuthenticator) Verify(ctx context.Context, deviceUUID, deviceKey string) error {
	if deviceUUID == "" || deviceKey == "" {
		return fmt.Errorf("missing device credentials")
	}
	cacheKey := strings.ToLower(deviceUUID) + "|" + deviceKey

	a.mu.Lock()
	if exp, ok := a.cache[cacheKey]; ok && time.Now().Before(exp) {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	hash, err := a.source.DeviceKeyHash(ctx, deviceUUID)
	if err != nil {
		return fmt.Errorf("device lookup: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(deviceKey)); err != nil {
		return fmt.Errorf("invalid device key")
	}

	a.mu.Lock()
	a.cache[cacheKey] = time.Now().Add(a.ttl)
	a.mu.Unlock()
	return nil
}

// TokenManager issues and validates the short-lived session tokens handed
// to producers that authenticate with the static API key.
type TokenManager struct {
	secret   []byte
	duration time.Duration
}

// NewTokenManager creates a token manager.
func NewTokenManager(secret string, duration time.Duration) *TokenManager {
	if duration <= 0 {
		duration = 24 * time.Hour
	}
	return &TokenManager{secret: []byte(secret), duration: duration}
}

// Claims carried by a session token.
type Claims struct {
	SourceID string `json:"source_id"`
	jwt.RegisteredClaims
}

// Issue creates a signed token for a producer.
func (m *TokenManager) Issue(sourceID string) (string, error) {
	claims := Claims{
		SourceID: sourceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.duration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "datagate",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate parses and verifies a token, returning its claims.
func (m *TokenManager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
