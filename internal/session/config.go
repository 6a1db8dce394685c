package session

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/Pequito/sessionvault/internal/config"
)

type Protocol string

const (
	ProtocolSSH    Protocol = "ssh"
	ProtocolTelnet Protocol = "telnet"
)

// Credential is resolved by the caller at connect time. The engine keeps it
// in memory for the handshake only and never writes it anywhere.
type Credential struct {
	Username   string
	Password   string
	PrivateKey []byte // PEM
	Passphrase []byte
}

// TunnelSpec is a local forward to open once the session is ready.
type TunnelSpec struct {
	LocalPort  int    `json:"local_port" yaml:"local_port"`
	RemoteHost string `json:"remote_host" yaml:"remote_host"`
	RemotePort int    `json:"remote_port" yaml:"remote_port"`
}

// Config describes one connection. Zero values fall back to config.Cfg.
type Config struct {
	Protocol   Protocol
	Host       string
	Port       int
	Credential Credential

	TerminalType string
	Rows         int
	Cols         int

	X11        bool   // SSH only
	X11Display string // local display, defaults to $DISPLAY

	Tunnels []TunnelSpec

	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	StrictHostKeys    bool
	SendQueueSize     int
	SendBlockTimeout  time.Duration
	TunnelBindHost    string
	MaxEscapeParams   int
}

// Address returns host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Redacted returns c without the credential secrets.
func (c Config) Redacted() Config {
	c.Credential = Credential{Username: c.Credential.Username}
	return c
}

func (c Config) withDefaults() Config {
	c.Protocol = Protocol(strings.ToLower(string(c.Protocol)))
	if c.Protocol == "" {
		c.Protocol = ProtocolSSH
	}
	if c.Port == 0 {
		if c.Protocol == ProtocolTelnet {
			c.Port = 23
		} else {
			c.Port = 22
		}
	}
	s := config.Cfg
	pick := func(v, fallback int) int {
		if v > 0 {
			return v
		}
		return fallback
	}
	pickDur := func(v, fallback time.Duration) time.Duration {
		if v != 0 {
			return v
		}
		return fallback
	}
	c.TerminalType = firstNonEmpty(c.TerminalType, s.TerminalType, "xterm-256color")
	c.Rows = pick(c.Rows, pick(s.DefaultRows, 50))
	c.Cols = pick(c.Cols, pick(s.DefaultCols, 220))
	c.ConnectTimeout = pickDur(c.ConnectTimeout, pickDur(s.ConnectTimeout, 15*time.Second))
	c.KeepaliveInterval = pickDur(c.KeepaliveInterval, pickDur(s.KeepaliveInterval, 30*time.Second))
	c.StrictHostKeys = c.StrictHostKeys || s.StrictHostKeys
	c.SendQueueSize = pick(c.SendQueueSize, pick(s.SendQueueSize, 256))
	c.SendBlockTimeout = pickDur(c.SendBlockTimeout, pickDur(s.SendBlockTimeout, 2*time.Second))
	c.TunnelBindHost = firstNonEmpty(c.TunnelBindHost, s.TunnelBindHost, "127.0.0.1")
	c.MaxEscapeParams = pick(c.MaxEscapeParams, s.MaxEscapeParams)
	return c
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
