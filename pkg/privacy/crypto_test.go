package privacy

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	c, err := NewCipher(key)
	require.NoError(t, err)
	return c
}

func TestCipher_RoundTrip(t *testing.T) {
	c := newTestCipher(t)
	inputs := []string{
		"",
		"010-1234-5678",
		"jane.doe@example.com",
		"한글 주소 서울특별시 강남구",
		strings.Repeat("x", 10*1024),
	}
	for _, plaintext := range inputs {
		encrypted, err := c.Encrypt(plaintext)
		require.NoError(t, err)
		decrypted, err := c.Decrypt(encrypted)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestCipher_IndependentSaltsPerCall(t *testing.T) {
	c := newTestCipher(t)
	a, err := c.Encrypt("same input")
	require.NoError(t, err)
	b, err := c.Encrypt("same input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "each call must use a fresh salt and nonce")
}

func TestCipher_WireFormat(t *testing.T) {
	c := newTestCipher(t)
	encrypted, err := c.Encrypt("payload")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(encrypted)
	require.NoError(t, err)
	// salt(16) + nonce(12) + ciphertext(len("payload")) + tag(16)
	assert.Len(t, raw, 16+12+len("payload")+16)
}

func TestCipher_RejectsShortPayload(t *testing.T) {
	c := newTestCipher(t)
	short := base64.StdEncoding.EncodeToString(make([]byte, 16+12+15))
	_, err := c.Decrypt(short)
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestCipher_RejectsTampering(t *testing.T) {
	c := newTestCipher(t)
	encrypted, err := c.Encrypt("secret")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(encrypted)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	_, err = c.Decrypt(base64.StdEncoding.EncodeToString(raw))
	assert.Error(t, err)
}

func TestCipher_WrongKeyFails(t *testing.T) {
	a := newTestCipher(t)
	b := newTestCipher(t)
	encrypted, err := a.Encrypt("secret")
	require.NoError(t, err)
	_, err = b.Decrypt(encrypted)
	assert.Error(t, err)
}

func TestNewCipher_RejectsBadKeyLength(t *testing.T) {
	_, err := NewCipher([]byte("short"))
	assert.Error(t, err)
}

func TestDedupHash_Deterministic(t *testing.T) {
	assert.Equal(t, DedupHash("Jane Doe"), DedupHash("janedoe"))
	assert.Equal(t, DedupHash(" JANE\tdoe "), DedupHash("janedoe"))
	assert.NotEqual(t, DedupHash("janedoe"), DedupHash("johndoe"))
	assert.Len(t, DedupHash("janedoe"), 16)
	assert.Empty(t, DedupHash("   "))
}

func TestPhoneDedupHash_IgnoresFormatting(t *testing.T) {
	assert.Equal(t, PhoneDedupHash("010-1234-5678"), PhoneDedupHash("010 1234 5678"))
	assert.Equal(t, PhoneDedupHash("010-1234-5678"), PhoneDedupHash("01012345678"))
}
