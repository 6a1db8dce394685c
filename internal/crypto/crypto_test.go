package crypto

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/Pequito/sessionvault/internal/config"
	"github.com/Pequito/sessionvault/internal/database"
	"github.com/fernet/fernet-go"
)

func setupDB(t *testing.T) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "crypto.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	database.DB = db
	config.Cfg.MacroKey = ""
	ResetKey()
	t.Cleanup(func() {
		database.Close()
		ResetKey()
	})
}

func TestEncryptDecryptWithStoredKey(t *testing.T) {
	setupDB(t)

	tok, err := Encrypt([]byte("echo hi\r"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if tok == "echo hi\r" {
		t.Fatal("token equals plaintext")
	}
	if _, err := database.GetSetting("fernet_key"); err != nil {
		t.Fatalf("expected generated key in settings: %v", err)
	}

	// A reload from the settings table must decrypt the same token.
	ResetKey()
	msg, err := Decrypt(tok)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(msg) != "echo hi\r" {
		t.Fatalf("Decrypt = %q", msg)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	setupDB(t)
	if _, err := Decrypt("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	msg, err := Decrypt("")
	if err != nil || msg != nil {
		t.Fatalf("Decrypt(\"\") = %q, %v", msg, err)
	}
}

func TestConfiguredKeyWins(t *testing.T) {
	setupDB(t)
	var k fernet.Key
	if err := k.Generate(); err != nil {
		t.Fatalf("generate: %v", err)
	}
	config.Cfg.MacroKey = k.Encode()
	t.Cleanup(func() { config.Cfg.MacroKey = "" })

	tok, err := Encrypt([]byte("x"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if msg := fernet.VerifyAndDecrypt([]byte(tok), 0, []*fernet.Key{&k}); string(msg) != "x" {
		t.Fatalf("token not sealed with configured key")
	}
	if _, err := database.GetSetting("fernet_key"); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("configured key should not be persisted, got %v", err)
	}
}
