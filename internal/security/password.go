package security

import "golang.org/x/crypto/bcrypt"

// MinPasswordLength is the shortest password accepted at registration,
// reset and API create.
const MinPasswordLength = 8

// PasswordHasher hashes passwords with bcrypt at a configurable cost.
type PasswordHasher struct {
	Cost int
	// dummy is compared against when an account does not exist, so an
	// unknown email costs as much as a wrong password.
	dummy []byte
}

// NewPasswordHasher returns a hasher; costs outside bcrypt's range fall back
// to bcrypt.DefaultCost.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	dummy, _ := bcrypt.GenerateFromPassword([]byte("yahtzee-dummy-password"), cost)
	return &PasswordHasher{Cost: cost, dummy: dummy}
}

// Hash returns a salted bcrypt hash; two calls with the same input differ.
func (h *PasswordHasher) Hash(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verify reports whether plain matches hash.
func (h *PasswordHasher) Verify(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// VerifyDummy burns one comparison against a fixed hash and always fails.
func (h *PasswordHasher) VerifyDummy(plain string) bool {
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(plain))
	return false
}
