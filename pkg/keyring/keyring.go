// Package keyring stores the source database password outside the configuration file.
// It uses the system keyring when one is reachable and falls back to an AES-GCM encrypted
// file on headless hosts.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/zalando/go-keyring"
)

// ServiceName is the keyring service under which passwords are stored.
const ServiceName = "hanacdc"

// ErrNotFound is returned when no entry exists for the account.
var ErrNotFound = errors.New("keyring entry not found")

// FileKeyring implements a file-based keyring for headless servers
type FileKeyring struct {
	keyringPath string
	masterKey   []byte
}

// KeyringEntry represents a stored keyring entry
type KeyringEntry struct {
	Service string `json:"service"`
	User    string `json:"user"`
	Data    string `json:"data"` // encrypted data
}

// KeyringManager provides a unified interface for keyring operations
type KeyringManager struct {
	fileKeyring *FileKeyring
	useFile     bool
}

// Account returns the keyring account name for a source connection.
func Account(user, host string, port int) string {
	return user + "@" + host + ":" + strconv.Itoa(port)
}

// NewKeyringManager creates a new keyring manager that tries system keyring first, falls back to file
func NewKeyringManager(keyringPath, masterPassword string) *KeyringManager {
	testKey := "probe"

	// Try system keyring first with a timeout to prevent hanging
	done := make(chan error, 1)
	go func() {
		err := keyring.Set(ServiceName+"-probe", testKey, "ok")
		if err == nil {
			_ = keyring.Delete(ServiceName+"-probe", testKey)
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			return &KeyringManager{useFile: false}
		}
	case <-time.After(5 * time.Second):
	}

	return NewFileKeyringManager(keyringPath, masterPassword)
}

// NewFileKeyringManager creates a manager that always uses the encrypted file
func NewFileKeyringManager(keyringPath, masterPassword string) *KeyringManager {
	return &KeyringManager{
		fileKeyring: NewFileKeyring(keyringPath, masterPassword),
		useFile:     true,
	}
}

// NewFileKeyring creates a new file-based keyring
func NewFileKeyring(keyringPath, masterPassword string) *FileKeyring {
	// Derive key from master password
	hash := sha256.Sum256([]byte(masterPassword))

	return &FileKeyring{
		keyringPath: keyringPath,
		masterKey:   hash[:],
	}
}

// UsesFile reports whether the encrypted file fallback is active
func (km *KeyringManager) UsesFile() bool {
	return km.useFile
}

// Set stores a password for the account
func (km *KeyringManager) Set(account, password string) error {
	if !km.useFile {
		return keyring.Set(ServiceName, account, password)
	}
	return km.fileKeyring.Set(ServiceName, account, password)
}

// Get retrieves the password for the account
func (km *KeyringManager) Get(account string) (string, error) {
	if !km.useFile {
		secret, err := keyring.Get(ServiceName, account)
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return secret, err
	}
	return km.fileKeyring.Get(ServiceName, account)
}

// Delete removes the password for the account
func (km *KeyringManager) Delete(account string) error {
	if !km.useFile {
		err := keyring.Delete(ServiceName, account)
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return err
	}
	return km.fileKeyring.Delete(ServiceName, account)
}

// encrypt encrypts plaintext using AES-GCM
func (fk *FileKeyring) encrypt(plaintext string) (string, error) {
	gcm, err := fk.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts ciphertext using AES-GCM
func (fk *FileKeyring) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	gcm, err := fk.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt keyring entry: %w", err)
	}
	return string(plaintext), nil
}

func (fk *FileKeyring) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(fk.masterKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (fk *FileKeyring) load() (map[string]KeyringEntry, error) {
	entries := make(map[string]KeyringEntry)
	data, err := os.ReadFile(fk.keyringPath)
	if errors.Is(err, os.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse keyring file: %w", err)
	}
	return entries, nil
}

func (fk *FileKeyring) save(entries map[string]KeyringEntry) error {
	if err := os.MkdirAll(filepath.Dir(fk.keyringPath), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return os.WriteFile(fk.keyringPath, data, 0o600)
}

// Set stores an entry in the file keyring
func (fk *FileKeyring) Set(service, user, password string) error {
	entries, err := fk.load()
	if err != nil {
		return err
	}

	encryptedPassword, err := fk.encrypt(password)
	if err != nil {
		return err
	}

	entries[service+":"+user] = KeyringEntry{
		Service: service,
		User:    user,
		Data:    encryptedPassword,
	}
	return fk.save(entries)
}

// Get retrieves an entry from the file keyring
func (fk *FileKeyring) Get(service, user string) (string, error) {
	entries, err := fk.load()
	if err != nil {
		return "", err
	}

	entry, exists := entries[service+":"+user]
	if !exists {
		return "", ErrNotFound
	}
	return fk.decrypt(entry.Data)
}

// Delete removes an entry from the file keyring
func (fk *FileKeyring) Delete(service, user string) error {
	entries, err := fk.load()
	if err != nil {
		return err
	}

	key := service + ":" + user
	if _, ok := entries[key]; !ok {
		return nil
	}
	delete(entries, key)
	return fk.save(entries)
}

// GetMasterPasswordFromEnv gets master password from environment variable
func GetMasterPasswordFromEnv() string {
	if password := os.Getenv("HANACDC_KEYRING_PASSWORD"); password != "" {
		return password
	}
	// Default password for development (change this in production!)
	return "default-master-password-change-me"
}

// GetDefaultKeyringPath returns the default keyring file path
func GetDefaultKeyringPath() string {
	if path := os.Getenv("HANACDC_KEYRING_PATH"); path != "" {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "hanacdc-keyring.json")
	}
	return filepath.Join(homeDir, ".local", "share", "hanacdc", "keyring.json")
}
