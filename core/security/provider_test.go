package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewSecretProviderSelection(t *testing.T) {
	// 空密钥 → 明文透传
	sp, err := NewSecretProvider("")
	assert.NoError(t, err)
	_, ok := sp.(*PlainSecretProvider)
	assert.True(t, ok)

	// 32 字节 → AES-256
	sp, err = NewSecretProvider(strings.Repeat("k", 32))
	assert.NoError(t, err)
	_, ok = sp.(*AESSecretProvider)
	assert.True(t, ok)

	// 非法长度
	_, err = NewSecretProvider("too-short")
	assert.Error(t, err)
}

func TestAESRoundTrip(t *testing.T) {
	sp, err := NewAESSecretProvider(strings.Repeat("k", 32))
	assert.NoError(t, err)

	plaintext := "AIzaSy" + strings.Repeat("a", 33)
	sealed, err := sp.Encrypt(plaintext)
	assert.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	recovered, err := sp.Decrypt(sealed)
	assert.NoError(t, err)
	assert.Equal(t, plaintext, recovered)

	// 随机 nonce：同一明文两次加密密文不同
	sealed2, err := sp.Encrypt(plaintext)
	assert.NoError(t, err)
	assert.NotEqual(t, sealed, sealed2)
}

func TestAESDecryptRejectsGarbage(t *testing.T) {
	sp, err := NewAESSecretProvider(strings.Repeat("k", 16))
	assert.NoError(t, err)

	_, err = sp.Decrypt("not-base64!!!")
	assert.Error(t, err)

	_, err = sp.Decrypt("c2hvcnQ=") // 合法 base64 但比 nonce 还短
	assert.Error(t, err)

	// 换密钥后解不开
	other, err := NewAESSecretProvider(strings.Repeat("x", 16))
	assert.NoError(t, err)
	sealed, err := sp.Encrypt("secret")
	assert.NoError(t, err)
	_, err = other.Decrypt(sealed)
	assert.Error(t, err)
}
