package validation

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/devrev/pairdb/crdt-storage/internal/errors"
)

const (
	MaxKeySize   = 1024             // 1 KB
	MaxStateSize = 10 * 1024 * 1024 // 10 MB
)

// Validator enforces size limits on encoded records before they reach a
// backend
type Validator struct {
	maxKeySize   int
	maxStateSize int
}

func NewValidator() *Validator {
	return NewValidatorWithLimits(MaxKeySize, MaxStateSize)
}

// NewValidatorWithLimits uses the package defaults for non-positive limits
func NewValidatorWithLimits(maxKeySize, maxStateSize int) *Validator {
	if maxKeySize <= 0 {
		maxKeySize = MaxKeySize
	}
	if maxStateSize <= 0 {
		maxStateSize = MaxStateSize
	}
	return &Validator{maxKeySize: maxKeySize, maxStateSize: maxStateSize}
}

// ValidateRecord checks an encoded key and state
func (v *Validator) ValidateRecord(key, state []byte) error {
	if err := v.ValidateKey(key); err != nil {
		return err
	}
	return v.ValidateState(state)
}

// ValidateKey checks the encoded form of a key
func (v *Validator) ValidateKey(key []byte) error {
	if len(key) == 0 {
		return errors.InvalidKey("", "key cannot be empty")
	}
	if len(key) > v.maxKeySize {
		return errors.KeyTooLarge(len(key), v.maxKeySize)
	}
	return nil
}

func (v *Validator) ValidateState(state []byte) error {
	if len(state) > v.maxStateSize {
		return errors.StateTooLarge(len(state), v.maxStateSize)
	}
	return nil
}

// StringKey rejects string keys that are empty, not UTF-8, or carry
// control characters. It is the key validator of the string-keyed binary.
func StringKey(key string) error {
	if key == "" {
		return errors.InvalidKey(key, "key cannot be empty")
	}
	if len(key) > MaxKeySize {
		return errors.KeyTooLarge(len(key), MaxKeySize)
	}
	if !utf8.ValidString(key) {
		return errors.InvalidKey(key, "key must be valid UTF-8")
	}
	if strings.IndexFunc(key, unicode.IsControl) >= 0 {
		return errors.InvalidKey(key, "key cannot contain control characters")
	}
	return nil
}

// SanitizeKey drops control characters and surrounding whitespace
func SanitizeKey(key string) string {
	sanitized := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, key)

	sanitized = strings.TrimSpace(sanitized)
	if len(sanitized) > MaxKeySize {
		sanitized = sanitized[:MaxKeySize]
	}
	return sanitized
}
