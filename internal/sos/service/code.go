package service

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

const (
	codeMin   = 1000
	codeRange = 9000
)

// NewVerificationCode draws a four digit pickup code in 1000..9999.
func NewVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeRange))
	if err != nil {
		return "", fmt.Errorf("generate verification code: %w", err)
	}
	return strconv.FormatInt(n.Int64()+codeMin, 10), nil
}

// VerifyCode compares a supplied code with the stored one in constant time.
func VerifyCode(stored, supplied string) bool {
	supplied = strings.TrimSpace(supplied)
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}
