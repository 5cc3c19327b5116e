package locker

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const codeDigits = 4

// CodeGenerator produces unlock codes for newly occupied boxes.
type CodeGenerator func() (Codes, error)

// RandomCodes returns two independent random 4-digit code parts.
func RandomCodes() (Codes, error) {
	p1, err := randomDigits(codeDigits)
	if err != nil {
		return Codes{}, err
	}
	p2, err := randomDigits(codeDigits)
	if err != nil {
		return Codes{}, err
	}
	return Codes{Part1: p1, Part2: p2}, nil
}

func randomDigits(n int) (string, error) {
	limit := big.NewInt(1)
	for range n {
		limit.Mul(limit, big.NewInt(10))
	}
	v, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generating unlock code: %w", err)
	}
	return fmt.Sprintf("%0*d", n, v.Int64()), nil
}

// validateCodes checks caller-supplied codes.
func validateCodes(c Codes) error {
	for _, part := range []string{c.Part1, c.Part2} {
		if len(part) != codeDigits {
			return fmt.Errorf("%w: unlock code parts must be %d digits", ErrValidation, codeDigits)
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return fmt.Errorf("%w: unlock code parts must be numeric", ErrValidation)
			}
		}
	}
	return nil
}
