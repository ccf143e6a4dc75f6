package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Sealed values are JSON envelopes prefixed with this marker so a reader can
// tell them apart from legacy plaintext tokens.
const sealedPrefix = "sealed:"

type Envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Sealer encrypts credential values at rest with AES-GCM. Keys are addressed
// by id so an old key can keep opening values after the current key rotates.
type Sealer struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewSealer(currentKeyID string, keys map[string][]byte) (*Sealer, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Sealer{currentKeyID: currentKeyID, keys: cp}, nil
}

func (s *Sealer) encrypt(plaintext []byte) (Envelope, error) {
	aead, err := s.aead(s.currentKeyID)
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("nonce: %w", err)
	}
	return Envelope{
		KeyID:      s.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, nil)),
	}, nil
}

func (s *Sealer) decrypt(env Envelope) ([]byte, error) {
	aead, err := s.aead(env.KeyID)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func (s *Sealer) aead(keyID string) (cipher.AEAD, error) {
	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", keyID)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}

// Seal returns the value wrapped in a prefixed JSON envelope.
func (s *Sealer) Seal(value string) (string, error) {
	env, err := s.encrypt([]byte(value))
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return sealedPrefix + string(b), nil
}

// Open reverses Seal. Values without the sealed prefix are rejected, since a
// store that was configured for sealing should never hold plaintext.
func (s *Sealer) Open(raw string) (string, error) {
	if !IsSealed(raw) {
		return "", fmt.Errorf("value is not sealed")
	}
	var env Envelope
	if err := json.Unmarshal([]byte(strings.TrimPrefix(raw, sealedPrefix)), &env); err != nil {
		return "", fmt.Errorf("unmarshal envelope: %w", err)
	}
	pt, err := s.decrypt(env)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// Reseal opens a value under any known key and seals it again with the
// current key.
func (s *Sealer) Reseal(raw string) (string, error) {
	plain, err := s.Open(raw)
	if err != nil {
		return "", err
	}
	return s.Seal(plain)
}

func IsSealed(raw string) bool {
	return strings.HasPrefix(raw, sealedPrefix)
}
