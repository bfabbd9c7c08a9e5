package encryption

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/scrypt"

	"github.com/oar-cd/conductor/domain"
)

var sealMagic = []byte("cvb1")

const saltSize = 16

// scrypt cost parameters; tests lower scryptN
var (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

func deriveKey(password string, salt []byte) (*fernet.Key, error) {
	raw, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	var key fernet.Key
	copy(key[:], raw)
	return &key, nil
}

// SealWithPassword encrypts plaintext with a key derived from password.
// The result is magic || salt || fernet token. Empty input seals to an empty blob.
func SealWithPassword(plaintext []byte, password string) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}
	if password == "" {
		return nil, fmt.Errorf("vault password cannot be empty")
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}

	token, err := fernet.EncryptAndSign(plaintext, key)
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}

	blob := make([]byte, 0, len(sealMagic)+saltSize+len(token))
	blob = append(blob, sealMagic...)
	blob = append(blob, salt...)
	blob = append(blob, token...)
	return blob, nil
}

// OpenWithPassword reverses SealWithPassword. A wrong password or a corrupt
// blob yields *domain.DecryptionError; an empty blob yields empty plaintext.
func OpenWithPassword(blob []byte, password string) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	if len(blob) <= len(sealMagic)+saltSize || !bytes.HasPrefix(blob, sealMagic) {
		return nil, &domain.DecryptionError{Reason: "vault blob is corrupt"}
	}

	salt := blob[len(sealMagic) : len(sealMagic)+saltSize]
	token := blob[len(sealMagic)+saltSize:]

	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, &domain.DecryptionError{Reason: err.Error()}
	}

	plaintext := fernet.VerifyAndDecrypt(token, tokenTTL, []*fernet.Key{key})
	if plaintext == nil {
		return nil, &domain.DecryptionError{Reason: "wrong vault password or corrupt blob"}
	}
	return plaintext, nil
}
