package wallet

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// BIP-44 path m/44'/60'/0'/0/0
const (
	bip44Purpose = 44
	ethCoinType  = 60
)

// KeyMaterial is a freshly generated or restored custodial keypair
type KeyMaterial struct {
	Address    string
	PrivateKey *ecdsa.PrivateKey
	Mnemonic   string
}

// PrivateKeyHex returns the key without 0x prefix
func (k *KeyMaterial) PrivateKeyHex() string {
	return hex.EncodeToString(crypto.FromECDSA(k.PrivateKey))
}

// GenerateKey creates a 12-word mnemonic and derives its first Ethereum account
func GenerateKey() (*KeyMaterial, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return nil, fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return KeyFromMnemonic(mnemonic)
}

// KeyFromMnemonic derives the first Ethereum account of a BIP-39 mnemonic
func KeyFromMnemonic(mnemonic string) (*KeyMaterial, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, "")
	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + bip44Purpose,
		hdkeychain.HardenedKeyStart + ethCoinType,
		hdkeychain.HardenedKeyStart + 0,
		0,
		0,
	}
	for _, idx := range path {
		if key, err = key.Derive(idx); err != nil {
			return nil, fmt.Errorf("failed to derive child %d: %w", idx, err)
		}
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to extract private key: %w", err)
	}

	ecdsaKey := priv.ToECDSA()
	return &KeyMaterial{
		Address:    strings.ToLower(crypto.PubkeyToAddress(ecdsaKey.PublicKey).Hex()),
		PrivateKey: ecdsaKey,
		Mnemonic:   mnemonic,
	}, nil
}

// KeyFromHex parses a hex private key with or without 0x prefix
func KeyFromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}
