package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrPasswordMismatch is returned when a password does not match its hash.
var ErrPasswordMismatch = errors.New("crypto: password mismatch")

// HashPassword returns the bcrypt hash of plain at the default cost.
func HashPassword(plain string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("crypto: hash password: %w", err)
	}
	return hash, nil
}

// ComparePassword returns nil when plain matches hash and ErrPasswordMismatch
// when it does not. Other errors mean the stored hash is unusable.
func ComparePassword(hash []byte, plain string) error {
	err := bcrypt.CompareHashAndPassword(hash, []byte(plain))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return ErrPasswordMismatch
	default:
		return fmt.Errorf("crypto: compare password: %w", err)
	}
}
