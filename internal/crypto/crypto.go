package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Encryptor handles at-rest encryption of snapshot blobs.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor creates an encryptor with the given master key.
func NewEncryptor(masterKey []byte) (*Encryptor, error) {
	if len(masterKey) < 16 {
		return nil, ErrInvalidKey
	}

	// Derive a 32-byte key for AES-256
	key := deriveKey(masterKey, nil)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Encryptor{gcm: gcm}, nil
}

// NewEncryptorFromString creates an encryptor from a base64- or hex-encoded key.
func NewEncryptorFromString(keyStr string) (*Encryptor, error) {
	key, err := base64.StdEncoding.DecodeString(keyStr)
	if err != nil {
		key, err = hex.DecodeString(keyStr)
		if err != nil {
			return nil, ErrInvalidKey
		}
	}
	return NewEncryptor(key)
}

// Encrypt encrypts plaintext; the nonce is prepended to the ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts data produced by Encrypt.
func (e *Encryptor) Decrypt(data []byte) ([]byte, error) {
	nonceSize := e.gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, encrypted := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// HashSHA256 returns the lowercase hex SHA-256 digest of data.
// This is the content hash used for snapshot integrity checks; it must be
// deterministic across processes and runs.
func HashSHA256(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// deriveKey derives an AES-256 key from the master key using PBKDF2.
func deriveKey(masterKey, salt []byte) []byte {
	if salt == nil {
		salt = []byte("licensedb-engine-v1")
	}
	return pbkdf2.Key(masterKey, salt, 10000, 32, sha256.New)
}
