package database

import "time"

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// KnownHost is a trusted host key, keyed by the normalized "host:port" form.
type KnownHost struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Host          string    `gorm:"uniqueIndex;not null" json:"host"`
	KeyType       string    `gorm:"not null" json:"key_type"`
	Fingerprint   string    `gorm:"not null" json:"fingerprint"`
	AuthorizedKey string    `gorm:"type:text" json:"authorized_key,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Profile is a saved connection. It never holds a password or key material,
// only the path of a private key file.
type Profile struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	Protocol  string    `gorm:"not null;default:ssh" json:"protocol"`
	Hostname  string    `gorm:"not null;index:idx_profile_target" json:"hostname"`
	Port      int       `gorm:"not null;index:idx_profile_target" json:"port"`
	Username  string    `gorm:"index:idx_profile_target" json:"username"`
	KeyPath   string    `json:"key_path,omitempty"`
	X11       bool      `gorm:"not null;default:false" json:"x11"`
	Tunnels   string    `gorm:"type:text;default:'[]'" json:"tunnels"` // JSON: [{"local_port":8080,"remote_host":"db","remote_port":5432}]
	SortOrder int       `gorm:"not null;default:0" json:"sort_order"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Macro holds a recording serialized as JSON and fernet-encrypted.
type Macro struct {
	Name      string    `gorm:"primaryKey" json:"name"`
	Payload   string    `gorm:"type:text;not null" json:"-"`
	Entries   int       `gorm:"not null;default:0" json:"entries"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
