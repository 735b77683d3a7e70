package tenant

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	envelopePrefix  = "syncrelay.secret.v1:"
	sealedAlgorithm = "aes-256-gcm"
)

// ErrSecretUnreadable is returned when a stored secret cannot be opened with the current key.
var ErrSecretUnreadable = errors.New("tenant secret unreadable")

type sealedSecret struct {
	KeyID      string `json:"kid"`
	Version    int    `json:"ver"`
	Algorithm  string `json:"alg"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// SecretBox seals tenant secrets at rest with a key derived from the app key.
type SecretBox struct {
	aead    cipher.AEAD
	keyID   string
	version int
}

func NewSecretBox(appKey string) (*SecretBox, error) {
	material := strings.TrimSpace(appKey)
	if material == "" {
		return nil, errors.New("app key is required")
	}
	sum := sha256.Sum256([]byte(material))

	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, errors.Wrap(err, "creating cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "creating gcm")
	}
	return &SecretBox{aead: aead, keyID: "app-key", version: 1}, nil
}

// Seal encrypts plaintext into a prefixed JSON envelope suitable for a text column.
func (b *SecretBox) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("plaintext is required")
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Wrap(err, "generating nonce")
	}

	data, err := json.Marshal(sealedSecret{
		KeyID:      b.keyID,
		Version:    b.version,
		Algorithm:  sealedAlgorithm,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(b.aead.Seal(nil, nonce, []byte(plaintext), nil)),
	})
	if err != nil {
		return "", errors.Wrap(err, "encoding sealed secret")
	}
	return envelopePrefix + string(data), nil
}

// Open decrypts a value produced by Seal.
func (b *SecretBox) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", errors.Wrap(ErrSecretUnreadable, "secret is empty")
	}

	var env sealedSecret
	if err := json.Unmarshal([]byte(strings.TrimPrefix(sealed, envelopePrefix)), &env); err != nil {
		return "", errors.Mark(errors.Wrap(err, "decoding sealed secret"), ErrSecretUnreadable)
	}
	if env.KeyID != "" && env.KeyID != b.keyID {
		return "", errors.Wrapf(ErrSecretUnreadable, "key id mismatch: got %q", env.KeyID)
	}
	if env.Version > 0 && env.Version != b.version {
		return "", errors.Wrapf(ErrSecretUnreadable, "key version mismatch: got %d", env.Version)
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != b.aead.NonceSize() {
		return "", errors.Wrap(ErrSecretUnreadable, "bad nonce")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", errors.Wrap(ErrSecretUnreadable, "bad ciphertext encoding")
	}

	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "decrypting secret"), ErrSecretUnreadable)
	}
	return string(plaintext), nil
}
