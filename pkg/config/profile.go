package config

import (
	"fmt"
	"sort"
	"strings"
)

// Profile describes one backed-up application: its default paths and the
// environment variable prefix its settings are read from.
type Profile struct {
	Name          string
	EnvPrefix     string
	DefaultSource string
	DefaultTarget string
}

// DefaultRetention is the number of snapshots kept when nothing else is configured.
const DefaultRetention = 7

// Profiles lists the known instances.
var Profiles = map[string]Profile{
	"vaultwarden": {
		Name:          "vaultwarden",
		EnvPrefix:     "VAULTWARDEN_BACKUP_",
		DefaultSource: "/srv/homelab/vaultwarden/data",
		DefaultTarget: "/srv/homelab/backups/vaultwarden",
	},
	"nextcloud": {
		Name:          "nextcloud",
		EnvPrefix:     "NEXTCLOUD_BACKUP_",
		DefaultSource: "/srv/homelab/nextcloud/data",
		DefaultTarget: "/srv/homelab/backups/nextcloud",
	},
}

// ProfileNames returns the known instance names in sorted order.
func ProfileNames() []string {
	names := make([]string, 0, len(Profiles))
	for name := range Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupProfile returns the profile called name.
func LookupProfile(name string) (Profile, error) {
	p, ok := Profiles[strings.ToLower(name)]
	if !ok {
		return Profile{}, fmt.Errorf("unknown instance %q: must be one of %s", name, strings.Join(ProfileNames(), ", "))
	}
	return p, nil
}

// Defaults returns the built-in configuration of the profile. LogFile stays
// empty so that it follows the final target.
func (p Profile) Defaults() Config {
	return Config{
		Instance:      p.Name,
		Source:        p.DefaultSource,
		Target:        p.DefaultTarget,
		LogLevel:      "info",
		Retention:     DefaultRetention,
		RsyncPath:     "rsync",
		Pointer:       "symlink",
		DeleteWorkers: 2,
	}
}
