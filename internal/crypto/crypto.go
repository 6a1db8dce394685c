package crypto

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Pequito/sessionvault/internal/config"
	"github.com/Pequito/sessionvault/internal/database"
	"github.com/fernet/fernet-go"
)

// ErrInvalidToken is returned when a payload fails fernet verification.
var ErrInvalidToken = errors.New("decrypt: invalid token")

var (
	keyMu     sync.Mutex
	cachedKey *fernet.Key
)

// getKey returns the configured key, or the one kept in the settings table,
// generating and storing it on first use.
func getKey() (*fernet.Key, error) {
	keyMu.Lock()
	defer keyMu.Unlock()
	if cachedKey != nil {
		return cachedKey, nil
	}

	if config.Cfg.MacroKey != "" {
		key, err := fernet.DecodeKey(config.Cfg.MacroKey)
		if err != nil {
			return nil, fmt.Errorf("decode configured key: %w", err)
		}
		cachedKey = key
		return key, nil
	}

	keyStr, err := database.GetSetting("fernet_key")
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("load fernet key: %w", err)
		}
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := database.SetSetting("fernet_key", k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		cachedKey = &k
		return cachedKey, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	cachedKey = key
	return key, nil
}

// ResetKey drops the cached key; the next call reloads it.
func ResetKey() {
	keyMu.Lock()
	cachedKey = nil
	keyMu.Unlock()
}

func Encrypt(plaintext []byte) (string, error) {
	key, err := getKey()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign(plaintext, key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func Decrypt(ciphertext string) ([]byte, error) {
	if ciphertext == "" {
		return nil, nil
	}
	key, err := getKey()
	if err != nil {
		return nil, err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return nil, ErrInvalidToken
	}
	return msg, nil
}
