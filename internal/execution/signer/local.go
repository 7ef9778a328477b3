package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	EnvPrivateKey           = "ORCH_PRIVATE_KEY"
	EnvPrivateKeyFile       = "ORCH_PRIVATE_KEY_FILE"
	EnvKeystorePath         = "ORCH_KEYSTORE_PATH"
	EnvKeystorePassword     = "ORCH_KEYSTORE_PASSWORD"
	EnvKeystorePasswordFile = "ORCH_KEYSTORE_PASSWORD_FILE"

	KeySourceAuto     = "auto"
	KeySourceEnv      = "env"
	KeySourceFile     = "file"
	KeySourceKeystore = "keystore"

	defaultKeyFile = "orchestrator/key.hex"
)

// ErrNoKey means no configured source produced a key.
var ErrNoKey = errors.New("no operating account key configured")

// LocalSigner signs with a key held in process memory.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	source  string
}

func (s *LocalSigner) Address() common.Address { return s.address }

// Source reports which key source produced the key.
func (s *LocalSigner) Source() string { return s.source }

func (s *LocalSigner) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("local signer is not initialized")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// LocalSignerConfig holds every candidate key location. The first
// non-empty one wins, in field order.
type LocalSignerConfig struct {
	PrivateKeyHex        string
	PrivateKeyFile       string
	KeystorePath         string
	KeystorePassword     string
	KeystorePasswordFile string
}

// ConfigFromEnv reads key locations from the environment, restricted to one
// source unless source is auto. In auto mode a key file under the user
// config directory is picked up when no explicit location is set.
func ConfigFromEnv(source string) (LocalSignerConfig, error) {
	env := func(name string) string { return strings.TrimSpace(os.Getenv(name)) }
	cfg := LocalSignerConfig{
		PrivateKeyHex:        env(EnvPrivateKey),
		PrivateKeyFile:       env(EnvPrivateKeyFile),
		KeystorePath:         env(EnvKeystorePath),
		KeystorePassword:     env(EnvKeystorePassword),
		KeystorePasswordFile: env(EnvKeystorePasswordFile),
	}

	switch normalizeSource(source) {
	case KeySourceAuto:
		if cfg.PrivateKeyFile == "" {
			cfg.PrivateKeyFile = defaultKeyPath()
		}
		return cfg, nil
	case KeySourceEnv:
		return LocalSignerConfig{PrivateKeyHex: cfg.PrivateKeyHex}, nil
	case KeySourceFile:
		if cfg.PrivateKeyFile == "" {
			cfg.PrivateKeyFile = defaultKeyPath()
		}
		return LocalSignerConfig{PrivateKeyFile: cfg.PrivateKeyFile}, nil
	case KeySourceKeystore:
		cfg.PrivateKeyHex, cfg.PrivateKeyFile = "", ""
		return cfg, nil
	default:
		return LocalSignerConfig{}, fmt.Errorf("unsupported key source %q (expected %s|%s|%s|%s)", source, KeySourceAuto, KeySourceEnv, KeySourceFile, KeySourceKeystore)
	}
}

func NewLocalSignerFromEnv(source string) (*LocalSigner, error) {
	cfg, err := ConfigFromEnv(source)
	if err != nil {
		return nil, err
	}
	return NewLocalSigner(cfg)
}

func NewLocalSigner(cfg LocalSignerConfig) (*LocalSigner, error) {
	key, source, err := loadKey(cfg)
	if err != nil {
		return nil, err
	}
	return &LocalSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		source:  source,
	}, nil
}

func loadKey(cfg LocalSignerConfig) (*ecdsa.PrivateKey, string, error) {
	switch {
	case strings.TrimSpace(cfg.PrivateKeyHex) != "":
		key, err := parseHexKey(cfg.PrivateKeyHex)
		return key, KeySourceEnv, err
	case strings.TrimSpace(cfg.PrivateKeyFile) != "":
		buf, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, "", fmt.Errorf("read private key file: %w", err)
		}
		key, err := parseHexKey(string(buf))
		return key, KeySourceFile, err
	case strings.TrimSpace(cfg.KeystorePath) != "":
		key, err := decryptKeystore(cfg)
		return key, KeySourceKeystore, err
	}
	return nil, "", fmt.Errorf("%w: set %s, %s or %s, or write the key to $XDG_CONFIG_HOME/%s", ErrNoKey, EnvPrivateKey, EnvPrivateKeyFile, EnvKeystorePath, defaultKeyFile)
}

// decryptKeystore accepts a keystore file or a directory holding exactly
// one keystore file.
func decryptKeystore(cfg LocalSignerConfig) (*ecdsa.PrivateKey, error) {
	password := cfg.KeystorePassword
	if strings.TrimSpace(password) == "" && strings.TrimSpace(cfg.KeystorePasswordFile) != "" {
		buf, err := os.ReadFile(cfg.KeystorePasswordFile)
		if err != nil {
			return nil, fmt.Errorf("read keystore password file: %w", err)
		}
		password = strings.TrimSpace(string(buf))
	}
	if strings.TrimSpace(password) == "" {
		return nil, errors.New("keystore password is required")
	}
	path, err := keystoreFile(cfg.KeystorePath)
	if err != nil {
		return nil, err
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore file: %w", err)
	}
	key, err := keystore.DecryptKey(buf, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return key.PrivateKey, nil
}

func keystoreFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("keystore: %w", err)
	}
	if !info.IsDir() {
		return path, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("keystore: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	if len(files) != 1 {
		return "", fmt.Errorf("keystore directory %s must hold exactly one key file, found %d", path, len(files))
	}
	return files[0], nil
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if clean == "" {
		return nil, errors.New("empty private key")
	}
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func normalizeSource(source string) string {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		return KeySourceAuto
	}
	return source
}

// defaultKeyPath returns the conventional key file when it exists.
func defaultKeyPath() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	path := filepath.Join(base, defaultKeyFile)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return ""
	}
	return path
}
