package signing

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id parameters (recommended values for interactive use).
	argon2Time      = 3     // Number of iterations
	argon2Memory    = 65536 // Memory in KiB (64 MiB)
	argon2Threads   = 4     // Parallelism factor
	argon2KeyLen    = 32    // Output key length (AES-256)
	saltSize        = 32    // Salt size in bytes
	keystoreVersion = 1     // Keystore format version
)

// ErrInvalidPassphrase is returned when the passphrase fails to decrypt the keystore.
var ErrInvalidPassphrase = errors.New("signing: invalid passphrase or corrupted keystore")

// KeystoreEntry is an encrypted signing keypair stored on disk.
type KeystoreEntry struct {
	Version       int    `json:"version"`
	KDF           string `json:"kdf"`
	Argon2Time    int    `json:"argon2_time"`
	Argon2Memory  int    `json:"argon2_memory"`
	Argon2Threads int    `json:"argon2_threads"`
	Salt          []byte `json:"salt"`
	Nonce         []byte `json:"nonce"`
	Ciphertext    []byte `json:"ciphertext"`
}

// SaveKeypair encrypts and saves a keypair's canonical string to disk.
//
// If passphrase is empty, the key is stored unencrypted (insecure, only for
// local development). Otherwise it is encrypted with AES-256-GCM using a
// key derived from the passphrase via Argon2id.
func SaveKeypair(kp *Keypair, keystorePath string, passphrase string) error {
	dir := filepath.Dir(keystorePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("signing: create keystore directory: %w", err)
	}

	plaintext := []byte(kp.String())

	var data []byte
	if passphrase == "" {
		data = plaintext
		keystorePath += ".insecure"
	} else {
		entry, err := encryptKeystoreEntry(plaintext, passphrase)
		if err != nil {
			return fmt.Errorf("signing: encrypt keystore: %w", err)
		}
		data, err = json.MarshalIndent(entry, "", "  ")
		if err != nil {
			return fmt.Errorf("signing: marshal keystore entry: %w", err)
		}
	}

	if err := os.WriteFile(keystorePath, data, 0600); err != nil {
		return fmt.Errorf("signing: write keystore file: %w", err)
	}
	return nil
}

// LoadKeypair loads and decrypts a keypair from disk.
//
// If keystorePath ends in ".insecure" the file is read without decryption.
// Otherwise the passphrase decrypts the stored entry.
func LoadKeypair(keystorePath string, passphrase string) (*Keypair, error) {
	data, err := os.ReadFile(keystorePath)
	if err != nil {
		return nil, fmt.Errorf("signing: read keystore file: %w", err)
	}

	if filepath.Ext(keystorePath) == ".insecure" {
		return ParseKeypair(string(data))
	}

	var entry KeystoreEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("signing: unmarshal keystore entry: %w", err)
	}

	plaintext, err := decryptKeystoreEntry(&entry, passphrase)
	if err != nil {
		return nil, err
	}
	return ParseKeypair(string(plaintext))
}

func encryptKeystoreEntry(plaintext []byte, passphrase string) (*KeystoreEntry, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("signing: generate salt: %w", err)
	}

	derivedKey := argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("signing: generate nonce: %w", err)
	}

	ciphertext, err := Seal(derivedKey, nonce, nil, plaintext)
	if err != nil {
		return nil, err
	}

	return &KeystoreEntry{
		Version:       keystoreVersion,
		KDF:           "argon2id",
		Argon2Time:    argon2Time,
		Argon2Memory:  argon2Memory,
		Argon2Threads: argon2Threads,
		Salt:          salt,
		Nonce:         nonce,
		Ciphertext:    ciphertext,
	}, nil
}

func decryptKeystoreEntry(entry *KeystoreEntry, passphrase string) ([]byte, error) {
	if entry.Version != keystoreVersion {
		return nil, fmt.Errorf("signing: unsupported keystore version: %d", entry.Version)
	}
	if entry.KDF != "argon2id" {
		return nil, fmt.Errorf("signing: unsupported KDF: %s", entry.KDF)
	}

	derivedKey := argon2.IDKey(
		[]byte(passphrase),
		entry.Salt,
		uint32(entry.Argon2Time),
		uint32(entry.Argon2Memory),
		uint8(entry.Argon2Threads),
		argon2KeyLen,
	)

	plaintext, err := Open(derivedKey, entry.Nonce, nil, entry.Ciphertext)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	return plaintext, nil
}

// DefaultKeystorePath returns the conventional signing-key storage location.
func DefaultKeystorePath() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "nixcache", "signing.key")
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".local", "share", "nixcache", "signing.key")
}
