package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenValueRoundTrip(t *testing.T) {
	raw, err := GenerateTokenValue()
	require.NoError(t, err)
	salt, err := GenerateSalt()
	require.NoError(t, err)

	hash := HashTokenValue(raw, salt)
	assert.True(t, VerifyTokenValue(raw, salt, hash))
}

func TestTokenValueBitFlipFails(t *testing.T) {
	raw, err := GenerateTokenValue()
	require.NoError(t, err)
	salt, err := GenerateSalt()
	require.NoError(t, err)
	hash := HashTokenValue(raw, salt)

	flipped := []byte(raw)
	flipped[0] ^= 0x01
	assert.False(t, VerifyTokenValue(string(flipped), salt, hash))
}

func TestTokenValueWrongSaltFails(t *testing.T) {
	raw, _ := GenerateTokenValue()
	salt, _ := GenerateSalt()
	otherSalt, _ := GenerateSalt()

	hash := HashTokenValue(raw, salt)
	assert.False(t, VerifyTokenValue(raw, otherSalt, hash))
}

func TestGenerateTokenValueUnique(t *testing.T) {
	a, err := GenerateTokenValue()
	require.NoError(t, err)
	b, err := GenerateTokenValue()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestHashDeviceFingerprintEmpty(t *testing.T) {
	assert.Empty(t, HashDeviceFingerprint(""))
	assert.NotEmpty(t, HashDeviceFingerprint("fp-1"))
	assert.NotEqual(t, HashDeviceFingerprint("fp-1"), HashDeviceFingerprint("fp-2"))
}

func TestHashCallerContextBindsBothParts(t *testing.T) {
	base := HashCallerContext("1.2.3.4", "agent")
	assert.NotEqual(t, base, HashCallerContext("1.2.3.5", "agent"))
	assert.NotEqual(t, base, HashCallerContext("1.2.3.4", "other"))
	assert.Equal(t, base, HashCallerContext("1.2.3.4", "agent"))
}
