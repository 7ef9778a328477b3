package signer

import (
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

const testPrivateKey = "59c6995e998f97a5a0044976f0945388cf9b7e5e5f4f9d2d9d8f1f5b7f6d11d1"

func clearKeyEnv(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	for _, name := range []string{EnvPrivateKey, EnvPrivateKeyFile, EnvKeystorePath, EnvKeystorePassword, EnvKeystorePasswordFile} {
		t.Setenv(name, "")
	}
}

func testAddress(t *testing.T) common.Address {
	t.Helper()
	key, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		t.Fatalf("parse test key: %v", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey)
}

func TestEnvKeySignsTransactions(t *testing.T) {
	clearKeyEnv(t)
	t.Setenv(EnvPrivateKey, "0x"+testPrivateKey)
	s, err := NewLocalSignerFromEnv(KeySourceEnv)
	if err != nil {
		t.Fatalf("NewLocalSignerFromEnv failed: %v", err)
	}
	if s.Address() != testAddress(t) || s.Source() != KeySourceEnv {
		t.Fatalf("unexpected signer %s from %s", s.Address().Hex(), s.Source())
	}
	to := common.HexToAddress("0x0000000000000000000000000000000000000001")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(8453),
		To:        &to,
		Value:     big.NewInt(1),
		Gas:       21_000,
		GasFeeCap: big.NewInt(2),
		GasTipCap: big.NewInt(1),
	})
	signed, err := s.SignTx(big.NewInt(8453), tx)
	if err != nil {
		t.Fatalf("SignTx failed: %v", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(8453)), signed)
	if err != nil || from != s.Address() {
		t.Fatalf("recovered sender %s err=%v", from.Hex(), err)
	}
}

func TestFileSourceIgnoresEnvKey(t *testing.T) {
	clearKeyEnv(t)
	t.Setenv(EnvPrivateKey, "not-a-key")
	keyFile := filepath.Join(t.TempDir(), "key.hex")
	if err := os.WriteFile(keyFile, []byte(testPrivateKey+"\n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	t.Setenv(EnvPrivateKeyFile, keyFile)

	s, err := NewLocalSignerFromEnv(KeySourceFile)
	if err != nil {
		t.Fatalf("NewLocalSignerFromEnv failed: %v", err)
	}
	if s.Source() != KeySourceFile || s.Address() != testAddress(t) {
		t.Fatalf("unexpected signer %s from %s", s.Address().Hex(), s.Source())
	}
}

func TestAutoUsesDefaultKeyFile(t *testing.T) {
	clearKeyEnv(t)
	cfgDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", cfgDir)
	if err := os.MkdirAll(filepath.Join(cfgDir, "orchestrator"), 0o755); err != nil {
		t.Fatalf("create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfgDir, defaultKeyFile), []byte(testPrivateKey), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	s, err := NewLocalSignerFromEnv("")
	if err != nil {
		t.Fatalf("expected auto source to find the default key file: %v", err)
	}
	if s.Source() != KeySourceFile {
		t.Fatalf("expected file source, got %s", s.Source())
	}
}

func TestKeystoreDirectory(t *testing.T) {
	clearKeyEnv(t)
	pk, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		t.Fatalf("parse test key: %v", err)
	}
	blob, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(pk.PublicKey),
		PrivateKey: pk,
	}, "hunter2", keystore.LightScryptN, keystore.LightScryptP)
	if err != nil {
		t.Fatalf("encrypt key: %v", err)
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "UTC--operator"), blob, 0o600); err != nil {
		t.Fatalf("write keystore: %v", err)
	}
	passFile := filepath.Join(t.TempDir(), "pass")
	if err := os.WriteFile(passFile, []byte("hunter2\n"), 0o600); err != nil {
		t.Fatalf("write password: %v", err)
	}
	t.Setenv(EnvKeystorePath, dir)
	t.Setenv(EnvKeystorePasswordFile, passFile)
	t.Setenv(EnvPrivateKey, testPrivateKey)

	s, err := NewLocalSignerFromEnv(KeySourceKeystore)
	if err != nil {
		t.Fatalf("NewLocalSignerFromEnv failed: %v", err)
	}
	if s.Source() != KeySourceKeystore || s.Address() != testAddress(t) {
		t.Fatalf("unexpected signer %s from %s", s.Address().Hex(), s.Source())
	}

	if err := os.WriteFile(filepath.Join(dir, "UTC--second"), blob, 0o600); err != nil {
		t.Fatalf("write keystore: %v", err)
	}
	if _, err := NewLocalSignerFromEnv(KeySourceKeystore); err == nil {
		t.Fatal("expected ambiguous keystore directory to fail")
	}
}

func TestKeystoreRequiresPassword(t *testing.T) {
	clearKeyEnv(t)
	t.Setenv(EnvKeystorePath, filepath.Join(t.TempDir(), "missing"))
	if _, err := NewLocalSignerFromEnv(KeySourceKeystore); err == nil {
		t.Fatal("expected missing password error")
	}
}

func TestMissingKey(t *testing.T) {
	clearKeyEnv(t)
	_, err := NewLocalSignerFromEnv(KeySourceAuto)
	if !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
}

func TestUnknownSource(t *testing.T) {
	clearKeyEnv(t)
	if _, err := ConfigFromEnv("hsm"); err == nil {
		t.Fatal("expected unsupported source error")
	}
}
