package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownKey is returned when a sealed value names a key id the keyring
// does not hold.
var ErrUnknownKey = errors.New("unknown key id")

// sealed is the at-rest form of a vault secret.
type sealed struct {
	KeyID string `json:"kid"`
	Nonce string `json:"n"`
	Data  string `json:"ct"`
}

// Keyring seals vault secrets with AES-256-GCM. New values are always sealed
// with the current key; any key in the ring can open.
type Keyring struct {
	current string
	aeads   map[string]cipher.AEAD
}

func NewKeyring(currentKeyID string, keys map[string][]byte) (*Keyring, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("key %q: new cipher: %w", id, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("key %q: new gcm: %w", id, err)
		}
		aeads[id] = aead
	}
	return &Keyring{current: currentKeyID, aeads: aeads}, nil
}

func (k *Keyring) CurrentKeyID() string {
	return k.current
}

// Seal encrypts value and returns a self-describing string safe to store.
// The associated data binds the ciphertext to label (the vault entry id), so
// a sealed secret copied onto another entry fails to open.
func (k *Keyring) Seal(label, value string) (string, error) {
	aead := k.aeads[k.current]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	out, err := json.Marshal(sealed{
		KeyID: k.current,
		Nonce: base64.StdEncoding.EncodeToString(nonce),
		Data:  base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, []byte(value), []byte(label))),
	})
	if err != nil {
		return "", fmt.Errorf("marshal sealed value: %w", err)
	}
	return string(out), nil
}

func (k *Keyring) Open(label, raw string) (string, error) {
	var s sealed
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return "", fmt.Errorf("unmarshal sealed value: %w", err)
	}
	aead, ok := k.aeads[s.KeyID]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownKey, s.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(s.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(s.Data)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("bad nonce length %d", len(nonce))
	}
	plain, err := aead.Open(nil, nonce, data, []byte(label))
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// NeedsRotation reports whether raw was sealed with a key other than the
// current one.
func (k *Keyring) NeedsRotation(raw string) bool {
	var s sealed
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return false
	}
	return s.KeyID != k.current
}

// Reseal opens raw with whichever key sealed it and seals it again with the
// current key.
func (k *Keyring) Reseal(label, raw string) (string, error) {
	plain, err := k.Open(label, raw)
	if err != nil {
		return "", err
	}
	return k.Seal(label, plain)
}
