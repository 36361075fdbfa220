// Package keyring provides secure credential storage.
// It uses the system keyring when available, falling back to
// encrypted local file storage when not.
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
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/hkdf"

	"github.com/yllada/vpn-orchestrator/common"
)

const (
	// DefaultService is the identifier used in the system keyring.
	DefaultService = "vpn-orchestrator"

	probeKey = "vpn-orchestrator-test-init"
	hkdfInfo = "vpn-orchestrator credential file v1"
)

// Option configures a Store.
type Option func(*Store)

// WithService overrides the keyring service name.
func WithService(name string) Option {
	return func(s *Store) { s.service = name }
}

// WithDir sets where the encrypted fallback file lives.
func WithDir(dir string) Option {
	return func(s *Store) { s.dir = dir }
}

// WithLocalOnly skips the system keyring.
func WithLocalOnly() Option {
	return func(s *Store) { s.forceLocal = true }
}

// Store implements common.CredentialStore.
type Store struct {
	service    string
	dir        string
	forceLocal bool

	mu       sync.RWMutex
	useLocal bool
	local    map[string]string
	file     string
	key      []byte
}

var _ common.CredentialStore = (*Store)(nil)

// New opens the credential store. The system keyring is probed once;
// when it cannot be written the encrypted file is used instead.
func New(opts ...Option) (*Store, error) {
	s := &Store{service: DefaultService}
	for _, opt := range opts {
		opt(s)
	}

	if !s.forceLocal {
		err := keyring.Set(s.service, probeKey, "test")
		if err == nil {
			_ = keyring.Delete(s.service, probeKey)
			return s, nil
		}
		common.LogWarn("System keyring unavailable, using encrypted file: %v", err)
	}
	if err := s.initLocal(); err != nil {
		return nil, err
	}
	return s, nil
}

// Local reports whether the encrypted file backs the store.
func (s *Store) Local() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.useLocal
}

func (s *Store) initLocal() error {
	if s.dir == "" {
		dir, err := common.GetConfigDir()
		if err != nil {
			return fmt.Errorf("%w: %w", common.ErrCredentialStorage, err)
		}
		s.dir = dir
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("%w: %w", common.ErrCredentialStorage, err)
	}

	key, err := deriveKey(s.service)
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrEncryption, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.useLocal = true
	s.file = filepath.Join(s.dir, common.CredentialsFileName)
	s.key = key
	s.local = make(map[string]string)
	s.loadLocked()
	return nil
}

// deriveKey stretches machine-specific data into an AES-256 key.
func deriveKey(service string) ([]byte, error) {
	hostname, _ := os.Hostname()
	secret := fmt.Sprintf("%s-%s-%s-%d", service, hostname, getMachineID(), os.Getuid())
	salt := sha256.Sum256([]byte(service))

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), salt[:], []byte(hkdfInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}

func getMachineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return "default-machine-id"
}

func (s *Store) loadLocked() {
	data, err := os.ReadFile(s.file)
	if err != nil {
		return
	}

	decrypted, err := s.decrypt(data)
	if err != nil {
		common.LogWarn("Ignoring unreadable credential file %s: %v", s.file, err)
		return
	}

	if err := json.Unmarshal(decrypted, &s.local); err != nil {
		common.LogWarn("Ignoring corrupt credential file %s: %v", s.file, err)
		s.local = make(map[string]string)
	}
}

func (s *Store) saveLocked() error {
	data, err := json.Marshal(s.local)
	if err != nil {
		return err
	}

	encrypted, err := s.encrypt(data)
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrEncryption, err)
	}

	tmp := s.file + ".tmp"
	if err := os.WriteFile(tmp, encrypted, 0600); err != nil {
		return fmt.Errorf("%w: %w", common.ErrCredentialStorage, err)
	}
	if err := os.Rename(tmp, s.file); err != nil {
		return fmt.Errorf("%w: %w", common.ErrCredentialStorage, err)
	}
	return nil
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return []byte(base64.StdEncoding.EncodeToString(ciphertext)), nil
}

func (s *Store) decrypt(data []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", common.ErrDecryption)
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrDecryption, err)
	}
	return plain, nil
}

// Store saves the password for an account.
func (s *Store) Store(account, password string) error {
	if account == "" {
		return errors.New("account cannot be empty")
	}
	if password == "" {
		return errors.New("password cannot be empty")
	}

	if !s.Local() {
		err := keyring.Set(s.service, account, password)
		if err == nil {
			return nil
		}
		common.LogWarn("Keyring write failed, falling back to encrypted file: %v", err)
		if err := s.initLocal(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.local[account] = password
	return s.saveLocked()
}

// Get retrieves the password for an account.
func (s *Store) Get(account string) (string, error) {
	if account == "" {
		return "", errors.New("account cannot be empty")
	}

	if !s.Local() {
		password, err := keyring.Get(s.service, account)
		if err == nil {
			return password, nil
		}
		if !errors.Is(err, keyring.ErrNotFound) {
			common.LogWarn("Keyring read failed: %v", err)
		}
		return "", fmt.Errorf("%w: %s", common.ErrCredentialsNotFound, account)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	password, ok := s.local[account]
	if !ok {
		return "", fmt.Errorf("%w: %s", common.ErrCredentialsNotFound, account)
	}
	return password, nil
}

// Delete removes the password for an account. Missing accounts are not an error.
func (s *Store) Delete(account string) error {
	if account == "" {
		return errors.New("account cannot be empty")
	}

	if !s.Local() {
		if err := keyring.Delete(s.service, account); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%w: %w", common.ErrCredentialStorage, err)
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.local[account]; !ok {
		return nil
	}
	delete(s.local, account)
	return s.saveLocked()
}

// Exists checks if a credential exists for an account.
func (s *Store) Exists(account string) bool {
	_, err := s.Get(account)
	return err == nil
}

// Credentials are the stored tunnel login.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SaveCredentials stores a username and password under account.
func (s *Store) SaveCredentials(account string, c Credentials) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.Store(account, string(data))
}

// LoadCredentials returns what SaveCredentials stored.
func (s *Store) LoadCredentials(account string) (Credentials, error) {
	raw, err := s.Get(account)
	if err != nil {
		return Credentials{}, err
	}
	var c Credentials
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Credentials{}, fmt.Errorf("%w: %w", common.ErrDecryption, err)
	}
	return c, nil
}
