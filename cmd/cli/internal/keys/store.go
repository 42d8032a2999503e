package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

// Sentinel errors
var (
	// ErrKeyNotFound is returned when a signing key doesn't exist.
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrKeyExists is returned when trying to create a duplicate.
	ErrKeyExists = errors.New("signing key already exists")

	// ErrNoDefaultKey is returned when no default is set.
	ErrNoDefaultKey = errors.New("no default signing key set")

	// ErrInvalidName is returned for names that cannot be used as file names.
	ErrInvalidName = errors.New("invalid signing key name")
)

// Key is the metadata of a stored session signing key.
type Key struct {
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

// Config represents the keys configuration file.
type Config struct {
	Version    int            `json:"version"`
	DefaultKey string         `json:"default_key,omitempty"`
	Keys       map[string]Key `json:"keys"`
}

// Store keeps the ES256 key pairs used to sign and verify session tokens.
// Private keys never leave this directory; the public half is handed to the server.
type Store struct {
	baseDir string
}

// NewStore creates a new key store.
// If baseDir is empty, uses ~/.restodesk/keys/
func NewStore(baseDir string) (*Store, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".restodesk", "keys")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keys directory: %w", err)
	}

	store := &Store{baseDir: baseDir}

	if err := store.ensureConfig(); err != nil {
		return nil, err
	}

	log.Debug().Str("baseDir", baseDir).Msg("key store initialized")

	return store, nil
}

// Create generates a new ECDSA P-256 key pair and stores it.
// The first key created becomes the default.
func (s *Store) Create(name string) (*Key, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	if _, err := s.Get(name); err == nil {
		return nil, ErrKeyExists
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privateKeyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	publicKeyDER, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	privatePath, publicPath := s.paths(name)

	if err := os.WriteFile(privatePath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privateKeyDER}), 0600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}

	// #nosec G306 - the public key is handed to the server and is not secret
	if err := os.WriteFile(publicPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicKeyDER}), 0644); err != nil {
		os.Remove(privatePath)
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}

	key := Key{
		Name:        name,
		Fingerprint: Fingerprint(publicKeyDER),
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.addKey(key); err != nil {
		os.Remove(privatePath)
		os.Remove(publicPath)
		return nil, err
	}

	log.Info().
		Str("name", name).
		Str("fingerprint", key.Fingerprint).
		Str("publicKeyPath", publicPath).
		Msg("signing key created")

	return &key, nil
}

// Fingerprint is the Base58-encoded SHA256 of a DER public key.
func Fingerprint(publicKeyDER []byte) string {
	hash := sha256.Sum256(publicKeyDER)
	return base58.Encode(hash[:])
}

// Get retrieves key metadata by name.
func (s *Store) Get(name string) (*Key, error) {
	cfg, err := s.loadConfig()
	if err != nil {
		return nil, err
	}

	key, ok := cfg.Keys[name]
	if !ok {
		return nil, ErrKeyNotFound
	}

	return &key, nil
}

// GetDefault retrieves the default key.
func (s *Store) GetDefault() (*Key, error) {
	cfg, err := s.loadConfig()
	if err != nil {
		return nil, err
	}

	if cfg.DefaultKey == "" {
		return nil, ErrNoDefaultKey
	}

	return s.Get(cfg.DefaultKey)
}

// Resolve returns the named key, or the default key when name is empty.
func (s *Store) Resolve(name string) (*Key, error) {
	if name == "" {
		return s.GetDefault()
	}
	return s.Get(name)
}

// List returns all stored keys ordered by name.
func (s *Store) List() ([]Key, error) {
	cfg, err := s.loadConfig()
	if err != nil {
		return nil, err
	}

	keys := make([]Key, 0, len(cfg.Keys))
	for _, key := range cfg.Keys {
		keys = append(keys, key)
	}

	slices.SortFunc(keys, func(a, b Key) int {
		return strings.Compare(a.Name, b.Name)
	})

	return keys, nil
}

// IsDefault reports whether name is the default key.
func (s *Store) IsDefault(name string) bool {
	cfg, err := s.loadConfig()
	if err != nil {
		return false
	}
	return cfg.DefaultKey == name
}

// Delete removes a key and its files.
func (s *Store) Delete(name string) error {
	cfg, err := s.loadConfig()
	if err != nil {
		return err
	}

	if _, ok := cfg.Keys[name]; !ok {
		return ErrKeyNotFound
	}

	privatePath, publicPath := s.paths(name)

	if err := os.Remove(privatePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove private key: %w", err)
	}

	if err := os.Remove(publicPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove public key: %w", err)
	}

	delete(cfg.Keys, name)

	if cfg.DefaultKey == name {
		cfg.DefaultKey = ""
	}

	if err := s.saveConfig(cfg); err != nil {
		return err
	}

	log.Info().Str("name", name).Msg("signing key deleted")

	return nil
}

// SetDefault sets the default key.
func (s *Store) SetDefault(name string) error {
	cfg, err := s.loadConfig()
	if err != nil {
		return err
	}

	if _, ok := cfg.Keys[name]; !ok {
		return ErrKeyNotFound
	}

	cfg.DefaultKey = name

	return s.saveConfig(cfg)
}

// LoadPrivateKeyPEM returns the private key used to issue session tokens.
func (s *Store) LoadPrivateKeyPEM(name string) (string, error) {
	privatePath, _ := s.paths(name)
	return s.readPEM(name, privatePath)
}

// LoadPublicKeyPEM returns the public key the server verifies tokens with.
func (s *Store) LoadPublicKeyPEM(name string) (string, error) {
	_, publicPath := s.paths(name)
	return s.readPEM(name, publicPath)
}

func (s *Store) readPEM(name, path string) (string, error) {
	if _, err := s.Get(name); err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrKeyNotFound
		}
		return "", fmt.Errorf("failed to read key: %w", err)
	}

	return string(data), nil
}

func (s *Store) paths(name string) (privatePath, publicPath string) {
	return filepath.Join(s.baseDir, name+".key"), filepath.Join(s.baseDir, name+".pub")
}

func validateName(name string) error {
	if name == "" || name == "config" || strings.ContainsAny(name, `/\.`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// ensureConfig creates an empty config if it doesn't exist.
func (s *Store) ensureConfig() error {
	if _, err := os.Stat(s.configPath()); err == nil {
		return nil
	}

	return s.saveConfig(&Config{
		Version: 1,
		Keys:    make(map[string]Key),
	})
}

func (s *Store) configPath() string {
	return filepath.Join(s.baseDir, "config.json")
}

func (s *Store) loadConfig() (*Config, error) {
	data, err := os.ReadFile(s.configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Keys == nil {
		cfg.Keys = make(map[string]Key)
	}

	return &cfg, nil
}

// saveConfig writes the config file atomically.
func (s *Store) saveConfig(cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	configPath := s.configPath()
	tempPath := configPath + ".tmp"

	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tempPath, configPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

func (s *Store) addKey(key Key) error {
	cfg, err := s.loadConfig()
	if err != nil {
		return err
	}

	cfg.Keys[key.Name] = key

	if len(cfg.Keys) == 1 {
		cfg.DefaultKey = key.Name
	}

	return s.saveConfig(cfg)
}
