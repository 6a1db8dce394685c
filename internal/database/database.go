package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Pequito/sessionvault/internal/config"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// ErrNotFound is returned by the lookup helpers when no row matches.
var ErrNotFound = errors.New("not found")

func Init() error {
	db, err := Open(config.Cfg.DatabasePath)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// Open opens (creating if needed) the SQLite database at path and migrates
// the schema.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Setting{}, &KnownHost{}, &Profile{}, &Macro{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return db, nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		DB = nil
		return sqlDB.Close()
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Settings

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", notFound(err)
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

func DeleteSetting(key string) error {
	return DB.Where("key = ?", key).Delete(&Setting{}).Error
}

// Known hosts

func GetKnownHost(db *gorm.DB, host string) (*KnownHost, error) {
	var kh KnownHost
	if err := db.Where("host = ?", host).First(&kh).Error; err != nil {
		return nil, notFound(err)
	}
	return &kh, nil
}

func SaveKnownHost(db *gorm.DB, kh *KnownHost) error {
	return db.Where("host = ?", kh.Host).
		Assign(KnownHost{KeyType: kh.KeyType, Fingerprint: kh.Fingerprint, AuthorizedKey: kh.AuthorizedKey}).
		FirstOrCreate(&KnownHost{Host: kh.Host}).Error
}

func ListKnownHosts(db *gorm.DB) ([]KnownHost, error) {
	var hosts []KnownHost
	if err := db.Order("host").Find(&hosts).Error; err != nil {
		return nil, err
	}
	return hosts, nil
}

func DeleteKnownHost(db *gorm.DB, host string) error {
	res := db.Where("host = ?", host).Delete(&KnownHost{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Profiles

func ListProfiles() ([]Profile, error) {
	var profiles []Profile
	if err := DB.Order("sort_order, name").Find(&profiles).Error; err != nil {
		return nil, err
	}
	return profiles, nil
}

func GetProfile(id string) (*Profile, error) {
	var p Profile
	if err := DB.Where("id = ?", id).First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// CreateProfile assigns an ID when missing and fills protocol defaults.
func CreateProfile(p *Profile) error {
	return createProfile(DB, p)
}

func createProfile(db *gorm.DB, p *Profile) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Protocol = strings.ToLower(p.Protocol)
	if p.Protocol == "" {
		p.Protocol = "ssh"
	}
	if p.Port == 0 {
		p.Port = defaultPort(p.Protocol)
	}
	if p.Tunnels == "" {
		p.Tunnels = "[]"
	}
	if p.Name == "" {
		p.Name = p.Hostname
	}
	return db.Create(p).Error
}

func DeleteProfile(id string) error {
	res := DB.Where("id = ?", id).Delete(&Profile{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ImportProfiles adds profiles that do not already exist. Two profiles are
// the same when hostname, port and username match (case-insensitive host).
func ImportProfiles(profiles []Profile) (added, skipped int, err error) {
	err = DB.Transaction(func(tx *gorm.DB) error {
		for i := range profiles {
			p := profiles[i]
			p.Protocol = strings.ToLower(p.Protocol)
			if p.Port == 0 {
				p.Port = defaultPort(p.Protocol)
			}
			var count int64
			if err := tx.Model(&Profile{}).
				Where("lower(hostname) = ? AND port = ? AND username = ?", strings.ToLower(p.Hostname), p.Port, p.Username).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				skipped++
				continue
			}
			p.ID = ""
			if err := createProfile(tx, &p); err != nil {
				return fmt.Errorf("import profile %s: %w", p.Name, err)
			}
			added++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return added, skipped, nil
}

// Macros

func SaveMacro(m *Macro) error {
	return DB.Where("name = ?", m.Name).
		Assign(Macro{Payload: m.Payload, Entries: m.Entries}).
		FirstOrCreate(&Macro{Name: m.Name}).Error
}

func GetMacro(name string) (*Macro, error) {
	var m Macro
	if err := DB.Where("name = ?", name).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func ListMacros() ([]Macro, error) {
	var macros []Macro
	if err := DB.Order("name").Find(&macros).Error; err != nil {
		return nil, err
	}
	return macros, nil
}

func DeleteMacro(name string) error {
	res := DB.Where("name = ?", name).Delete(&Macro{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func defaultPort(protocol string) int {
	if protocol == "telnet" {
		return 23
	}
	return 22
}
