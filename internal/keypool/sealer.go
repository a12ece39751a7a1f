package keypool

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/xela07ax/toxguard/internal/domain"
)

var (
	ErrEncryptionKeyNotSet = errors.New("keypool: encryption key not set")
	ErrSealedTooShort      = errors.New("keypool: sealed secret too short")
)

const (
	minMasterKeyLen = 32
	hkdfInfo        = "toxguard/credential-secret/v1"
)

// Sealer — граница шифрования секретов ключей провайдера.
// Открытие (Open) разрешено только шлюзу классификации непосредственно перед вызовом.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer выводит 256-битный ключ XChaCha20-Poly1305 из мастер-ключа процесса через HKDF-SHA256.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) == 0 {
		return nil, ErrEncryptionKeyNotSet
	}
	if len(masterKey) < minMasterKeyLen {
		return nil, fmt.Errorf("keypool: encryption key must be at least %d bytes, got %d", minMasterKeyLen, len(masterKey))
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("keypool: derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("keypool: chacha20poly1305.NewX: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal возвращает base64(nonce || ciphertext || tag). Идентификатор ключа идет как associated data,
// чтобы зашифрованное значение нельзя было переставить в другую запись.
func (s *Sealer) Seal(credentialID, plaintext string) (domain.SealedSecret, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("keypool: rand nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(credentialID))
	return domain.SealedSecret(base64.StdEncoding.EncodeToString(sealed)), nil
}

// Open расшифровывает секрет. Результат нельзя логировать и возвращать за пределы шлюза.
func (s *Sealer) Open(credentialID string, sealed domain.SealedSecret) (string, error) {
	data, err := base64.StdEncoding.DecodeString(string(sealed))
	if err != nil {
		return "", fmt.Errorf("keypool: base64 decode: %w", err)
	}
	ns := s.aead.NonceSize()
	if len(data) < ns+s.aead.Overhead() {
		return "", ErrSealedTooShort
	}
	plaintext, err := s.aead.Open(nil, data[:ns], data[ns:], []byte(credentialID))
	if err != nil {
		return "", fmt.Errorf("keypool: open secret: %w", err)
	}
	return string(plaintext), nil
}
