package testutil

import (
	"crypto/ecdsa"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// TestWallet is an in-memory key pair that signs like a browser wallet
type TestWallet struct {
	privateKey *ecdsa.PrivateKey
	// Address is lowercase hex
	Address string
}

// GenerateTestWallet creates a new random wallet
func GenerateTestWallet(t *testing.T) *TestWallet {
	t.Helper()

	privateKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate test wallet: %v", err)
	}

	return &TestWallet{
		privateKey: privateKey,
		Address:    strings.ToLower(crypto.PubkeyToAddress(privateKey.PublicKey).Hex()),
	}
}

// PersonalSign produces an EIP-191 personal_sign signature with V in {27,28}
func (w *TestWallet) PersonalSign(t *testing.T, message string) string {
	t.Helper()

	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), w.privateKey)
	if err != nil {
		t.Fatalf("failed to sign message: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

// PrivateKey exposes the key for keystore imports
func (w *TestWallet) PrivateKey() *ecdsa.PrivateKey {
	return w.privateKey
}
