package evm

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds one secp256k1 key for transaction signing.
type Signer struct {
	key     *ecdsa.PrivateKey
	address string
}

// Address returns the checksummed signing address.
func (s *Signer) Address() string { return s.address }

// NewSignerFromHex loads a raw hex private key, with or without 0x prefix.
func NewSignerFromHex(keyHex string) (*Signer, error) {
	keyHex = strings.TrimPrefix(strings.TrimSpace(keyHex), "0x")
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}, nil
}

// NewSignerFromKeystore decrypts a geth keystore file.
func NewSignerFromKeystore(path, passphrase string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	key, err := keystore.DecryptKey(raw, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return &Signer{
		key:     key.PrivateKey,
		address: crypto.PubkeyToAddress(key.PrivateKey.PublicKey).Hex(),
	}, nil
}
