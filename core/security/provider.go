package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"gemini-gateway/models"
)

// NewSecretProvider 按配置选择凭证落库用的加解密实现
// secretKey 为空时明文存储；非空时必须是 16/24/32 字节（AES-128/192/256）
func NewSecretProvider(secretKey string) (models.SecretProvider, error) {
	if secretKey == "" {
		return &PlainSecretProvider{}, nil
	}
	return NewAESSecretProvider(secretKey)
}

// PlainSecretProvider 明文透传
type PlainSecretProvider struct{}

func (p *PlainSecretProvider) Encrypt(plaintext string) (string, error) {
	return plaintext, nil
}

func (p *PlainSecretProvider) Decrypt(ciphertext string) (string, error) {
	return ciphertext, nil
}

// AESSecretProvider AES-GCM 加解密，密文形如 base64(nonce || sealed)
type AESSecretProvider struct {
	key []byte
}

// NewAESSecretProvider 创建 AES Provider
func NewAESSecretProvider(keyStr string) (*AESSecretProvider, error) {
	key := []byte(keyStr)
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, fmt.Errorf("invalid secret key length %d: must be 16, 24 or 32 bytes", len(key))
	}
	return &AESSecretProvider{key: key}, nil
}

func (p *AESSecretProvider) Encrypt(plaintext string) (string, error) {
	gcm, err := p.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (p *AESSecretProvider) Decrypt(ciphertextBase64 string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertextBase64)
	if err != nil {
		return "", err
	}

	gcm, err := p.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (p *AESSecretProvider) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(p.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
