package database

import (
	"errors"
	"path/filepath"
	"testing"
)

// setupTestDB opens a fresh database in a temp dir and installs it as DB.
func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	DB = db
	t.Cleanup(func() { Close() })
}

func TestSettingRoundTrip(t *testing.T) {
	setupTestDB(t)

	if _, err := GetSetting("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := SetSetting("k", "v1"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := SetSetting("k", "v2"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	v, err := GetSetting("k")
	if err != nil || v != "v2" {
		t.Fatalf("GetSetting = %q, %v", v, err)
	}
	if err := DeleteSetting("k"); err != nil {
		t.Fatalf("DeleteSetting: %v", err)
	}
	if _, err := GetSetting("k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestCreateProfileDefaults(t *testing.T) {
	setupTestDB(t)

	p := Profile{Hostname: "router.lan", Protocol: "Telnet"}
	if err := CreateProfile(&p); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	if p.ID == "" {
		t.Fatal("expected generated ID")
	}
	got, err := GetProfile(p.ID)
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.Port != 23 || got.Protocol != "telnet" || got.Name != "router.lan" || got.Tunnels != "[]" {
		t.Fatalf("unexpected defaults: %+v", got)
	}
}

func TestImportProfilesDedupes(t *testing.T) {
	setupTestDB(t)

	if err := CreateProfile(&Profile{Name: "web", Hostname: "web.example", Port: 22, Username: "deploy"}); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}

	added, skipped, err := ImportProfiles([]Profile{
		{Name: "dup", Hostname: "WEB.example", Username: "deploy"},
		{Name: "other user", Hostname: "web.example", Port: 22, Username: "root"},
		{Name: "other port", Hostname: "web.example", Port: 2222, Username: "deploy"},
		{Name: "repeat", Hostname: "web.example", Port: 2222, Username: "deploy"},
	})
	if err != nil {
		t.Fatalf("ImportProfiles: %v", err)
	}
	if added != 2 || skipped != 2 {
		t.Fatalf("added=%d skipped=%d, want 2/2", added, skipped)
	}

	profiles, err := ListProfiles()
	if err != nil {
		t.Fatalf("ListProfiles: %v", err)
	}
	if len(profiles) != 3 {
		t.Fatalf("expected 3 profiles, got %d", len(profiles))
	}
}

func TestDeleteProfileMissing(t *testing.T) {
	setupTestDB(t)
	if err := DeleteProfile("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestKnownHostUpsert(t *testing.T) {
	setupTestDB(t)

	if err := SaveKnownHost(DB, &KnownHost{Host: "h:22", KeyType: "ssh-ed25519", Fingerprint: "SHA256:a"}); err != nil {
		t.Fatalf("SaveKnownHost: %v", err)
	}
	if err := SaveKnownHost(DB, &KnownHost{Host: "h:22", KeyType: "ssh-ed25519", Fingerprint: "SHA256:b"}); err != nil {
		t.Fatalf("SaveKnownHost update: %v", err)
	}
	kh, err := GetKnownHost(DB, "h:22")
	if err != nil {
		t.Fatalf("GetKnownHost: %v", err)
	}
	if kh.Fingerprint != "SHA256:b" {
		t.Fatalf("fingerprint = %q", kh.Fingerprint)
	}
	hosts, _ := ListKnownHosts(DB)
	if len(hosts) != 1 {
		t.Fatalf("expected one host, got %d", len(hosts))
	}
	if err := DeleteKnownHost(DB, "h:22"); err != nil {
		t.Fatalf("DeleteKnownHost: %v", err)
	}
	if _, err := GetKnownHost(DB, "h:22"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMacroRows(t *testing.T) {
	setupTestDB(t)

	if err := SaveMacro(&Macro{Name: "login", Payload: "x", Entries: 3}); err != nil {
		t.Fatalf("SaveMacro: %v", err)
	}
	if err := SaveMacro(&Macro{Name: "login", Payload: "y", Entries: 4}); err != nil {
		t.Fatalf("SaveMacro overwrite: %v", err)
	}
	m, err := GetMacro("login")
	if err != nil || m.Payload != "y" || m.Entries != 4 {
		t.Fatalf("GetMacro = %+v, %v", m, err)
	}
	list, _ := ListMacros()
	if len(list) != 1 {
		t.Fatalf("expected 1 macro, got %d", len(list))
	}
	if err := DeleteMacro("login"); err != nil {
		t.Fatalf("DeleteMacro: %v", err)
	}
	if err := DeleteMacro("login"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
