// Package wallet manages the pool of custodial deposit wallets and the
// encryption of their key material at rest.
package wallet

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedCiphertext indicates stored key material cannot be parsed
	ErrMalformedCiphertext = errors.New("malformed ciphertext")

	// ErrBadPadding usually means the wrong secret was used
	ErrBadPadding = errors.New("invalid padding")
)

// Encryptor seals key material with AES-256-CBC. The key is SHA-256 of the
// configured secret. Output is iv_hex:ciphertext_hex with a random IV.
type Encryptor struct {
	key      [32]byte
	legacyIV []byte
}

// NewEncryptor derives the cipher key from secret
func NewEncryptor(secret string) (*Encryptor, error) {
	if secret == "" {
		return nil, errors.New("encryption secret is empty")
	}
	key := sha256.Sum256([]byte(secret))
	return &Encryptor{key: key, legacyIV: append([]byte(nil), key[:aes.BlockSize]...)}, nil
}

// Encrypt returns iv_hex:ciphertext_hex for plaintext
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	ciphertext, err := e.seal(iv, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt accepts both iv_hex:ciphertext_hex and the legacy bare-hex form,
// which was sealed under a fixed IV taken from the key.
func (e *Encryptor) Decrypt(stored string) (string, error) {
	iv := e.legacyIV
	body := stored

	if ivHex, rest, ok := strings.Cut(stored, ":"); ok {
		decoded, err := hex.DecodeString(ivHex)
		if err != nil || len(decoded) != aes.BlockSize {
			return "", ErrMalformedCiphertext
		}
		iv, body = decoded, rest
	}

	ciphertext, err := hex.DecodeString(body)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", ErrMalformedCiphertext
	}

	block, err := aes.NewCipher(e.key[:])
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

// encryptLegacy produces the bare-hex fixed-IV format
func (e *Encryptor) encryptLegacy(plaintext string) (string, error) {
	ciphertext, err := e.seal(e.legacyIV, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ciphertext), nil
}

func (e *Encryptor) seal(iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrBadPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-n], nil
}
