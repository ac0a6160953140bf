// Package keys provides encryption at rest for the relay's custodial signer keys.
// Each key handle is encrypted with AES-256-GCM under its own key, derived
// from the master key with HKDF-SHA256 and the handle id as context.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

const (
	masterKeySize  = 32
	privateKeySize = 32
)

// DeriveHandleKey derives the AES-256 key that protects one key handle
func DeriveHandleKey(masterKey []byte, handleID string) ([]byte, error) {
	if len(masterKey) != masterKeySize {
		return nil, fmt.Errorf("master key must be 32 bytes (AES-256)")
	}
	if handleID == "" {
		return nil, fmt.Errorf("handle id is required")
	}

	reader := hkdf.New(sha256.New, masterKey, nil, []byte("relay-signer-"+handleID))
	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive handle key: %w", err)
	}
	return key, nil
}

// EncryptPrivateKey encrypts a secp256k1 private key for handleID.
// The result is base64(nonce || ciphertext || tag).
func EncryptPrivateKey(privateKey, masterKey []byte, handleID string) (string, error) {
	if len(privateKey) != privateKeySize {
		return "", fmt.Errorf("private key must be 32 bytes (secp256k1)")
	}
	gcm, err := handleCipher(masterKey, handleID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	// The handle id is bound as additional data so a ciphertext cannot be
	// moved to another handle.
	sealed := gcm.Seal(nonce, nonce, privateKey, []byte(handleID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptPrivateKey reverses EncryptPrivateKey
func DecryptPrivateKey(encrypted string, masterKey []byte, handleID string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	gcm, err := handleCipher(masterKey, handleID)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(handleID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	if len(plaintext) != privateKeySize {
		return nil, fmt.Errorf("decrypted key has wrong size: got %d, want 32", len(plaintext))
	}
	return plaintext, nil
}

func handleCipher(masterKey []byte, handleID string) (cipher.AEAD, error) {
	key, err := DeriveHandleKey(masterKey, handleID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// GenerateMasterKey generates a new random 32-byte master key
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// MasterKeyFromHex decodes a hex-encoded master key, as found in config
func MasterKeyFromHex(encoded string) ([]byte, error) {
	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key: %w", err)
	}
	if len(key) != masterKeySize {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// GeneratePrivateKey returns a fresh secp256k1 private key
func GeneratePrivateKey() ([]byte, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate secp256k1 key: %w", err)
	}
	return crypto.FromECDSA(key), nil
}
