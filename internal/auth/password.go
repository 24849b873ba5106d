package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength  = 8
	tempPasswordLength = 12

	// Letters and digits with ambiguous glyphs (0/O, 1/l/I) removed, since
	// temporary passwords are read to users over the phone.
	tempPasswordAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnpqrstuvwxyz23456789"
)

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("%w: password is empty", ErrPolicyViolation)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext candidate with the stored hash.
// The comparison is constant-time inside bcrypt.
func VerifyPassword(hash, candidate string) error {
	if hash == "" {
		return ErrMismatch
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate)); err != nil {
		return ErrMismatch
	}
	return nil
}

// CheckPolicy enforces the password complexity policy: at least 8 characters
// with one uppercase letter, one lowercase letter and one digit.
func CheckPolicy(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: at least %d characters required", ErrPolicyViolation, minPasswordLength)
	}
	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper {
		return fmt.Errorf("%w: an uppercase letter is required", ErrPolicyViolation)
	}
	if !lower {
		return fmt.Errorf("%w: a lowercase letter is required", ErrPolicyViolation)
	}
	if !digit {
		return fmt.Errorf("%w: a digit is required", ErrPolicyViolation)
	}
	return nil
}

// GenerateTempPassword produces a random temporary password from the
// unambiguous alphabet. The result always satisfies CheckPolicy.
func GenerateTempPassword() (string, error) {
	max := big.NewInt(int64(len(tempPasswordAlphabet)))
	for {
		buf := make([]byte, tempPasswordLength)
		for i := range buf {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", fmt.Errorf("generate temp password: %w", err)
			}
			buf[i] = tempPasswordAlphabet[n.Int64()]
		}
		candidate := string(buf)
		if CheckPolicy(candidate) == nil {
			return candidate, nil
		}
	}
}
