// Package vault holds decrypted credentials and backend secrets in process
// memory only. Secrets at rest are hex encoded blobs sealed with a key derived
// from an operator supplied passphrase.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/thrasher-corp/withdrawer/common"
	"golang.org/x/crypto/scrypt"
)

// Well known secret names
const (
	SessionIdentity     = "exchange.username"
	SessionSecret       = "exchange.password"
	SessionSecondFactor = "exchange.second_factor_secret"
)

const (
	saltLen  = 16
	nonceLen = 12
	keyLen   = 32

	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

var (
	// ErrDecrypt is returned when a blob cannot be opened with the passphrase
	ErrDecrypt = errors.New("unable to decrypt secret, wrong passphrase or corrupted data")
	// ErrMalformed is returned when a blob is not a sealed secret
	ErrMalformed = errors.New("malformed sealed secret")
	// ErrNoSecondFactor is returned when no second factor secret was sealed
	ErrNoSecondFactor = errors.New("no second factor secret configured")

	errEmptyPassphrase = errors.New("passphrase cannot be empty")
	errSecretNotFound  = errors.New("secret not found")
	errVaultZeroed     = errors.New("vault has been zeroed")
)

// SessionCredentials are the identity and secret used for the exchange
// handshake
type SessionCredentials struct {
	Identity string
	Secret   string
}

// Vault is an immutable set of opened secrets
type Vault struct {
	m       sync.RWMutex
	secrets map[string][]byte
	zeroed  bool
}

// Seal encrypts plaintext with a key derived from passphrase and returns the
// hex encoded blob to store in configuration
func Seal(plaintext, passphrase []byte) (string, error) {
	if len(passphrase) == 0 {
		return "", errEmptyPassphrase
	}
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := make([]byte, 0, saltLen+nonceLen+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)
	return hex.EncodeToString(out), nil
}

// Open decrypts a hex blob produced by Seal
func Open(sealed string, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errEmptyPassphrase
	}
	raw, err := hex.DecodeString(strings.TrimSpace(sealed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < saltLen+nonceLen+16 {
		return nil, fmt.Errorf("%w: blob too short", ErrMalformed)
	}
	gcm, err := newGCM(passphrase, raw[:saltLen])
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, raw[saltLen:saltLen+nonceLen], raw[saltLen+nonceLen:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

func newGCM(passphrase, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, err
	}
	defer common.ZeroBytes(key)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// New opens every sealed secret with the passphrase. Empty entries are
// skipped, any failure aborts and nothing is retained.
func New(passphrase []byte, sealed map[string]string) (*Vault, error) {
	v := &Vault{secrets: make(map[string][]byte, len(sealed))}
	names := make([]string, 0, len(sealed))
	for name := range sealed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.TrimSpace(sealed[name]) == "" {
			continue
		}
		plain, err := Open(sealed[name], passphrase)
		if err != nil {
			v.Zero()
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		v.secrets[name] = plain
	}
	return v, nil
}

// Secret returns a copy of the named secret
func (v *Vault) Secret(name string) (string, error) {
	v.m.RLock()
	defer v.m.RUnlock()
	if v.zeroed {
		return "", errVaultZeroed
	}
	s, ok := v.secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", errSecretNotFound, name)
	}
	return string(s), nil
}

// Has reports whether a named secret was opened
func (v *Vault) Has(name string) bool {
	v.m.RLock()
	defer v.m.RUnlock()
	_, ok := v.secrets[name]
	return ok && !v.zeroed
}

// Credentials returns the exchange session credentials
func (v *Vault) Credentials() (SessionCredentials, error) {
	identity, err := v.Secret(SessionIdentity)
	if err != nil {
		return SessionCredentials{}, err
	}
	secret, err := v.Secret(SessionSecret)
	if err != nil {
		return SessionCredentials{}, err
	}
	return SessionCredentials{Identity: identity, Secret: secret}, nil
}

// SecondFactor returns the TOTP code for t when a second factor secret was
// configured
func (v *Vault) SecondFactor(t time.Time) (string, error) {
	if !v.Has(SessionSecondFactor) {
		return "", ErrNoSecondFactor
	}
	secret, err := v.Secret(SessionSecondFactor)
	if err != nil {
		return "", err
	}
	return totp.GenerateCode(secret, t)
}

// Zero overwrites every plaintext secret held by the vault
func (v *Vault) Zero() {
	v.m.Lock()
	defer v.m.Unlock()
	for name, s := range v.secrets {
		common.ZeroBytes(s)
		delete(v.secrets, name)
	}
	v.zeroed = true
}
