// Package vault stores provider API keys encrypted at rest. Values are
// sealed with AES-256-GCM under a key derived from a master password via
// argon2id; the derived key lives only in memory and is zeroed on Lock.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"
)

// argon2id parameters, fixed so existing blobs stay decryptable.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	keyLen       = 32
	saltLen      = 16
)

var (
	ErrLocked   = errors.New("vault locked")
	ErrNotFound = errors.New("vault key not found")
)

// Vault is an encrypted credential store with a lock/unlock lifecycle.
type Vault struct {
	enabled bool

	mu     sync.RWMutex
	locked bool
	salt   []byte
	key    []byte
	values map[string][]byte
}

// New creates a vault. When enabled it starts locked and must be unlocked
// with the master password before use. A disabled vault passes values
// through unencrypted, for setups that keep keys in the environment.
func New(enabled bool) *Vault {
	return &Vault{
		enabled: enabled,
		locked:  enabled,
		values:  make(map[string][]byte),
	}
}

// IsLocked reports whether the vault refuses access.
func (v *Vault) IsLocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.enabled && v.locked
}

// Unlock derives the sealing key from the master password. A fresh salt is
// generated on first unlock; subsequent unlocks reuse the imported salt so
// previously sealed values decrypt.
func (v *Vault) Unlock(master []byte) error {
	if !v.enabled {
		return nil
	}
	if len(master) < 8 {
		return errors.New("master password too short")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.salt) == 0 {
		salt := make([]byte, saltLen)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return fmt.Errorf("generate salt: %w", err)
		}
		v.salt = salt
	}
	v.key = argon2.IDKey(master, v.salt, argonTime, argonMemory, argonThreads, keyLen)
	v.locked = false
	return nil
}

// Lock zeroes the derived key and seals the vault.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
	v.locked = true
}

// Set encrypts and stores a value.
func (v *Vault) Set(key, value string) error {
	encrypted, err := v.encrypt([]byte(value))
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.values[key] = encrypted
	v.mu.Unlock()
	return nil
}

// Get decrypts and returns a stored value.
func (v *Vault) Get(key string) (string, error) {
	v.mu.RLock()
	encrypted, exists := v.values[key]
	v.mu.RUnlock()
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	plaintext, err := v.decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("decrypt %s: %w", key, err)
	}
	return string(plaintext), nil
}

// Delete removes a value.
func (v *Vault) Delete(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.values, key)
}

// Keys lists stored key names without decrypting values.
func (v *Vault) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.values))
	for k := range v.values {
		keys = append(keys, k)
	}
	return keys
}

// Export returns the salt and base64 ciphertexts for persistence. The
// exported form never contains plaintext.
func (v *Vault) Export() (salt []byte, data map[string]string) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	data = make(map[string]string, len(v.values))
	for k, val := range v.values {
		data[k] = base64.StdEncoding.EncodeToString(val)
	}
	salt = make([]byte, len(v.salt))
	copy(salt, v.salt)
	return salt, data
}

// Import loads a persisted salt and ciphertext map. Call before Unlock so
// key derivation uses the persisted salt.
func (v *Vault) Import(salt []byte, data map[string]string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(salt) > 0 {
		v.salt = make([]byte, len(salt))
		copy(v.salt, salt)
	}
	for k, encValue := range data {
		decoded, err := base64.StdEncoding.DecodeString(encValue)
		if err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		v.values[k] = decoded
	}
	return nil
}

func (v *Vault) encrypt(plaintext []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.enabled {
		return plaintext, nil
	}
	gcm, err := v.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *Vault) decrypt(ciphertext []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.enabled {
		return ciphertext, nil
	}
	gcm, err := v.aead()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce := ciphertext[:gcm.NonceSize()]
	return gcm.Open(nil, nonce, ciphertext[gcm.NonceSize():], nil)
}

// Caller must hold v.mu (read or write).
func (v *Vault) aead() (cipher.AEAD, error) {
	if v.locked {
		return nil, ErrLocked
	}
	if len(v.key) != keyLen {
		return nil, errors.New("no derived key")
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
