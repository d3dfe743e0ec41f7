package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every way a reset token can fail: bad signature,
// wrong algorithm, malformed payload, wrong purpose or expiry.
var ErrInvalidToken = errors.New("invalid or expired token")

const resetPurpose = "password_reset"

// DefaultResetTTL is how long a reset link stays usable.
const DefaultResetTTL = 30 * time.Minute

// ResetClaims is the payload of a password reset token.
type ResetClaims struct {
	Purpose     string `json:"purpose"`
	Fingerprint string `json:"fp"`
	jwt.RegisteredClaims
}

// UserID returns the subject as a user ID.
func (c *ResetClaims) UserID() (int64, error) {
	return strconv.ParseInt(c.Subject, 10, 64)
}

// ResetTokens issues and verifies HS256-signed password reset tokens.
type ResetTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewResetTokens creates a token issuer. A non-positive ttl means DefaultResetTTL.
func NewResetTokens(secret string, ttl time.Duration) *ResetTokens {
	if ttl <= 0 {
		ttl = DefaultResetTTL
	}
	return &ResetTokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// WithClock returns a copy that reads time from now.
func (rt *ResetTokens) WithClock(now func() time.Time) *ResetTokens {
	cp := *rt
	cp.now = now
	return &cp
}

// TTL returns how long issued tokens stay valid.
func (rt *ResetTokens) TTL() time.Duration {
	return rt.ttl
}

// Fingerprint binds a token to the password hash it was issued against, so
// the token stops working once the password changes.
func (rt *ResetTokens) Fingerprint(passwordHash string) string {
	mac := hmac.New(sha256.New, rt.secret)
	mac.Write([]byte("fp:" + passwordHash))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

// Issue signs a token for userID that expires after the configured TTL.
func (rt *ResetTokens) Issue(userID int64, fingerprint string) (string, time.Time, error) {
	issued := rt.now()
	expires := issued.Add(rt.ttl)

	claims := ResetClaims{
		Purpose:     resetPurpose,
		Fingerprint: fingerprint,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(rt.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign reset token: %w", err)
	}
	return token, expires, nil
}

// Verify checks a token and returns its claims. Every failure is ErrInvalidToken.
func (rt *ResetTokens) Verify(token string) (*ResetClaims, error) {
	claims := &ResetClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			return rt.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(rt.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Purpose != resetPurpose {
		return nil, ErrInvalidToken
	}
	if _, err := claims.UserID(); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
