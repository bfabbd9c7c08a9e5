// Package encryption protects secrets at rest and seals vault files with a password.
package encryption

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

// tokenTTL keeps stored credentials from ever expiring
const tokenTTL = time.Hour * 24 * 365 * 100

// EncryptionService encrypts values stored in the database with the engine key
type EncryptionService struct {
	key *fernet.Key
}

// NewEncryptionService creates a new encryption service with the provided key
func NewEncryptionService(keyString string) (*EncryptionService, error) {
	if keyString == "" {
		return nil, fmt.Errorf("encryption key cannot be empty")
	}

	key, err := fernet.DecodeKey(keyString)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}

	return &EncryptionService{key: key}, nil
}

// GenerateKey returns a new random key in the format NewEncryptionService accepts
func GenerateKey() (string, error) {
	var key fernet.Key
	if err := key.Generate(); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return key.Encode(), nil
}

// Encrypt encrypts plaintext and returns a base64-encoded token
func (e *EncryptionService) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	token, err := fernet.EncryptAndSign([]byte(plaintext), e.key)
	if err != nil {
		return "", fmt.Errorf("encryption failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(token), nil
}

// Decrypt decrypts a base64-encoded token and returns plaintext
func (e *EncryptionService) Decrypt(token string) (string, error) {
	if token == "" {
		return "", nil
	}

	tokenBytes, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("invalid token format: %w", err)
	}

	plaintext := fernet.VerifyAndDecrypt(tokenBytes, tokenTTL, []*fernet.Key{e.key})
	if plaintext == nil {
		return "", fmt.Errorf("failed to decrypt token: invalid or expired")
	}

	return string(plaintext), nil
}

// EncryptOptional encrypts a value for a nullable column
func (e *EncryptionService) EncryptOptional(plaintext string) (*string, error) {
	if plaintext == "" {
		return nil, nil
	}
	token, err := e.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// DecryptOptional decrypts a nullable column
func (e *EncryptionService) DecryptOptional(token *string) (string, error) {
	if token == nil {
		return "", nil
	}
	return e.Decrypt(*token)
}
