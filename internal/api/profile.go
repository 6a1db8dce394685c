package api

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Pequito/sessionvault/internal/database"
	"github.com/Pequito/sessionvault/internal/session"
)

// ProfileTunnels decodes the profile's tunnel list.
func ProfileTunnels(p *database.Profile) ([]session.TunnelSpec, error) {
	if p.Tunnels == "" {
		return nil, nil
	}
	var specs []session.TunnelSpec
	if err := json.Unmarshal([]byte(p.Tunnels), &specs); err != nil {
		return nil, fmt.Errorf("profile %s: invalid tunnels: %w", p.Name, err)
	}
	return specs, nil
}

// ProfileConfig builds a session config from a saved profile. Secrets come
// from cred; a key path on the profile is read here and never stored.
func ProfileConfig(p *database.Profile, cred session.Credential) (session.Config, error) {
	tunnels, err := ProfileTunnels(p)
	if err != nil {
		return session.Config{}, err
	}
	if cred.Username == "" {
		cred.Username = p.Username
	}
	if p.KeyPath != "" && len(cred.PrivateKey) == 0 {
		pem, err := os.ReadFile(p.KeyPath)
		if err != nil {
			return session.Config{}, fmt.Errorf("profile %s: read key: %w", p.Name, err)
		}
		cred.PrivateKey = pem
	}
	return session.Config{
		Protocol:   session.Protocol(p.Protocol),
		Host:       p.Hostname,
		Port:       p.Port,
		Credential: cred,
		X11:        p.X11,
		Tunnels:    tunnels,
	}, nil
}
