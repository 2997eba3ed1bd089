package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Algorithm 是写入文件记录的算法标识。
const Algorithm = "aes-256-gcm"

const (
	keySize  = 32
	saltSize = 16
	hkdfInfo = "decendata file key v1"
)

var (
	ErrInvalidKey       = errors.New("encryption key must be 32 bytes")
	ErrUnsupported      = errors.New("unsupported encryption algorithm")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Params 是解密一份内容所需的参数。
type Params struct {
	Algorithm string
	Salt      []byte
	Nonce     []byte
}

// Sealer 用主密钥派生出的单文件密钥加解密内容。
type Sealer struct {
	master []byte
}

// NewSealer 校验并保存主密钥。
func NewSealer(master []byte) (*Sealer, error) {
	if len(master) != keySize {
		return nil, ErrInvalidKey
	}
	key := make([]byte, keySize)
	copy(key, master)
	return &Sealer{master: key}, nil
}

func (s *Sealer) aead(salt []byte) (cipher.AEAD, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.master, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive file key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal 生成随机盐与随机数并加密 plaintext。
func (s *Sealer) Seal(plaintext []byte) ([]byte, Params, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, Params{}, fmt.Errorf("generate salt: %w", err)
	}

	aesgcm, err := s.aead(salt)
	if err != nil {
		return nil, Params{}, err
	}

	nonce := make([]byte, aesgcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, Params{}, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aesgcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, Params{Algorithm: Algorithm, Salt: salt, Nonce: nonce}, nil
}

// Open 用记录中的参数还原明文。
func (s *Sealer) Open(ciphertext []byte, p Params) ([]byte, error) {
	if p.Algorithm != Algorithm {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, p.Algorithm)
	}

	aesgcm, err := s.aead(p.Salt)
	if err != nil {
		return nil, err
	}
	if len(p.Nonce) != aesgcm.NonceSize() {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := aesgcm.Open(nil, p.Nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
