package validation

import (
	"strings"
	"testing"

	"github.com/devrev/pairdb/crdt-storage/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestValidateRecord(t *testing.T) {
	v := NewValidatorWithLimits(8, 16)

	tests := []struct {
		name     string
		key      []byte
		state    []byte
		wantCode errors.ErrorCode
	}{
		{name: "valid", key: []byte("k"), state: []byte("state")},
		{name: "empty state is fine", key: []byte("k")},
		{name: "empty key", key: nil, wantCode: errors.ErrCodeInvalidKey},
		{name: "key too large", key: []byte("123456789"), wantCode: errors.ErrCodeKeyTooLarge},
		{name: "state too large", key: []byte("k"), state: make([]byte, 17), wantCode: errors.ErrCodeStateTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateRecord(tt.key, tt.state)
			if tt.wantCode == 0 {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.HasCode(err, tt.wantCode), "got %v", err)
		})
	}
}

func TestStringKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"plain", "user:42", false},
		{"unicode", "ключ", false},
		{"empty", "", true},
		{"control", "a\x00b", true},
		{"newline", "a\nb", true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true},
		{"too long", strings.Repeat("x", MaxKeySize+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := StringKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSanitizeKey(t *testing.T) {
	assert.Equal(t, "ab", SanitizeKey("  a\x00b\t "))
	assert.Len(t, SanitizeKey(strings.Repeat("y", MaxKeySize+10)), MaxKeySize)
}
