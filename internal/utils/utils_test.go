package utils

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndParseJWT(t *testing.T) {
	tok, err := SignJWT("secret", "user-1", "employer", 5)
	require.NoError(t, err)

	claims, err := ParseJWT("secret", tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "employer", claims.Role)

	_, err = ParseJWT("other", tok)
	assert.Error(t, err)

	expired, err := SignJWT("secret", "user-1", "employer", -1)
	require.NoError(t, err)
	_, err = ParseJWT("secret", expired)
	assert.Error(t, err)

	_, err = ParseJWT("secret", "")
	assert.Error(t, err)
}

func TestGenerateReference(t *testing.T) {
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	a := GenerateReference("ESC", now)
	b := GenerateReference("ESC", now)

	assert.Regexp(t, regexp.MustCompile(`^ESC-20260309-[A-Z2-9]{8}$`), a)
	assert.NotEqual(t, a, b)
}
