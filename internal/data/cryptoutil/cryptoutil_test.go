package cryptoutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestAESGCMEncryptor_EncryptDecrypt(t *testing.T) {
	enc, err := NewAESGCMEncryptor(testKey())
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt([]byte("whsec_abc"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ciphertext, "v1:"))

	decrypted, err := enc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("whsec_abc"), decrypted)
}

func TestAESGCMEncryptor_AcceptsNoopValues(t *testing.T) {
	enc, err := NewAESGCMEncryptor(testKey())
	require.NoError(t, err)

	noop := noopPrefix + base64.StdEncoding.EncodeToString([]byte("legacy"))
	decrypted, err := enc.Decrypt(noop)
	require.NoError(t, err)
	assert.Equal(t, []byte("legacy"), decrypted)
}

func TestAESGCMEncryptor_RejectsUnknownPrefix(t *testing.T) {
	enc, err := NewAESGCMEncryptor(testKey())
	require.NoError(t, err)

	_, err = enc.Decrypt("v9:abc")
	require.Error(t, err)
}

func TestAESGCMEncryptor_InvalidKey(t *testing.T) {
	_, err := NewAESGCMEncryptor([]byte("short"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be 32 bytes")
}

func TestParseKey(t *testing.T) {
	hexKey := strings.Repeat("ab", KeySize)
	key, err := ParseKey(hexKey)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xab}, KeySize), key)

	key, err = ParseKey("correct horse battery staple")
	require.NoError(t, err)
	sum := sha256.Sum256([]byte("correct horse battery staple"))
	assert.Equal(t, sum[:], key)

	_, err = ParseKey("  ")
	require.Error(t, err)
}

func TestStream_RoundTrip(t *testing.T) {
	sizes := []int{0, 1, 15, 16, 17, streamChunk - 1, streamChunk, streamChunk + 1, 3*streamChunk + 7}
	for _, size := range sizes {
		plain := bytes.Repeat([]byte{'v'}, size)
		for i := range plain {
			plain[i] = byte(i % 251)
		}

		var enc bytes.Buffer
		n, err := EncryptStream(testKey(), &enc, bytes.NewReader(plain))
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, int64(enc.Len()), n)
		// IV plus plaintext rounded up to the next full block.
		assert.Equal(t, IVSize+(size/16+1)*16, enc.Len(), "size %d", size)

		var dec bytes.Buffer
		_, err = DecryptStream(testKey(), &dec, bytes.NewReader(enc.Bytes()))
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, plain, dec.Bytes(), "size %d", size)
	}
}

func TestStream_RandomIV(t *testing.T) {
	a, err := EncryptBytes(testKey(), []byte("same input"))
	require.NoError(t, err)
	b, err := EncryptBytes(testKey(), []byte("same input"))
	require.NoError(t, err)
	assert.NotEqual(t, a[:IVSize], b[:IVSize])
}

func TestStream_Corrupt(t *testing.T) {
	ct, err := EncryptBytes(testKey(), []byte("hello artifact"))
	require.NoError(t, err)

	_, err = DecryptBytes(testKey(), ct[:IVSize-1])
	require.ErrorIs(t, err, ErrCorruptCiphertext)

	_, err = DecryptBytes(testKey(), ct[:len(ct)-3])
	require.ErrorIs(t, err, ErrCorruptCiphertext)

	_, err = DecryptBytes(testKey(), ct[:IVSize])
	require.ErrorIs(t, err, ErrCorruptCiphertext)
}

func TestStream_WrongKeyLength(t *testing.T) {
	_, err := EncryptBytes([]byte("short"), []byte("x"))
	require.Error(t, err)
}
