// Package crypto stores venue API credentials at rest. A credential set is a
// JSON map of exchange name to key material, encrypted with a password using
// PBKDF2-HMAC-SHA256 key derivation and AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// saltLen is the random salt length in bytes.
	saltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// currentVersion is the encrypted-vault JSON schema version.
	currentVersion = 1
)

// Credential is one venue's API key material. Passphrase is only used by
// venues that require it (OKX, Bitget).
type Credential struct {
	APIKey     string `json:"apiKey"`
	APISecret  string `json:"apiSecret"`
	Passphrase string `json:"passphrase,omitempty"`
}

// vaultJSON is the on-disk format for an encrypted credential set.
type vaultJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`       // base64 standard encoding
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// VaultConfig carries the information LoadCredentials needs. Populate the
// fields from the configuration layer.
type VaultConfig struct {
	// Path is the encrypted vault file produced by Encrypt.
	Path string
	// Password decrypts the file at Path.
	Password string
}

// Encrypt seals a credential set with a password and returns the JSON blob
// suitable for writing to disk.
func Encrypt(creds map[string]Credential, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal credentials: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out := vaultJSON{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	return json.MarshalIndent(out, "", "  ")
}

// Decrypt opens a JSON blob produced by Encrypt.
func Decrypt(encrypted []byte, password string) (map[string]Credential, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}

	var stored vaultJSON
	if err := json.Unmarshal(encrypted, &stored); err != nil {
		return nil, fmt.Errorf("crypto: parsing vault JSON: %w", err)
	}
	if stored.Version != currentVersion {
		return nil, fmt.Errorf("crypto: unsupported vault version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}

	var creds map[string]Credential
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("crypto: parsing decrypted credentials: %w", err)
	}
	return creds, nil
}

// LoadCredentials reads and decrypts the vault file named by cfg.
func LoadCredentials(cfg VaultConfig) (map[string]Credential, error) {
	if cfg.Path == "" {
		return nil, errors.New("crypto: no vault path configured")
	}
	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("crypto: reading vault file: %w", err)
	}
	return Decrypt(data, cfg.Password)
}
