package engine

import (
	"sort"
	"strings"
)

// AccessMode is the default access a consumer gets to a dataset.
type AccessMode string

const (
	AccessUnspecified AccessMode = ""
	AccessReadOnly    AccessMode = "ro"
	AccessReadWrite   AccessMode = "rw"
)

// Profile is a named, immutable bundle of dataset properties and access hints.
type Profile struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Properties  map[string]string `json:"properties"`

	// Access is the default access mode for mounts and shares of the dataset.
	Access AccessMode `json:"access"`
}

var builtinProfiles = map[string]Profile{
	"media": {
		Name:        "media",
		Description: "Large sequential media files (movies, TV)",
		Properties:  map[string]string{"recordsize": "1M", "compression": "off", "atime": "off", "sync": "standard"},
		Access:      AccessReadOnly,
	},
	"documents": {
		Name:        "documents",
		Description: "Office documents and small files, two copies",
		Properties:  map[string]string{"recordsize": "128K", "compression": "zstd", "atime": "off", "copies": "2"},
		Access:      AccessReadOnly,
	},
	"photos": {
		Name:        "photos",
		Description: "Photo libraries, two copies",
		Properties:  map[string]string{"recordsize": "1M", "compression": "lz4", "atime": "off", "copies": "2"},
		Access:      AccessReadOnly,
	},
	"backups": {
		Name:        "backups",
		Description: "Backup targets, strong compression",
		Properties:  map[string]string{"recordsize": "128K", "compression": "zstd", "atime": "off"},
		Access:      AccessReadOnly,
	},
	"dev": {
		Name:        "dev",
		Description: "Source trees and build output",
		Properties:  map[string]string{"recordsize": "128K", "compression": "lz4", "atime": "off"},
		Access:      AccessReadWrite,
	},
	"gaming": {
		Name:        "gaming",
		Description: "Game installs and saves",
		Properties:  map[string]string{"recordsize": "128K", "compression": "lz4", "atime": "off", "sync": "standard"},
		Access:      AccessReadWrite,
	},
	"roms": {
		Name:        "roms",
		Description: "Emulation ROM collections, two copies",
		Properties:  map[string]string{"recordsize": "128K", "compression": "lz4", "atime": "off", "copies": "2"},
		Access:      AccessReadWrite,
	},
	"ai-models": {
		Name:        "ai-models",
		Description: "Large model weights, metadata-only ARC",
		Properties:  map[string]string{"recordsize": "1M", "compression": "lz4", "atime": "off", "primarycache": "metadata"},
		Access:      AccessReadWrite,
	},
	"audio": {
		Name:        "audio",
		Description: "Music libraries",
		Properties:  map[string]string{"recordsize": "1M", "compression": "lz4", "atime": "off", "sync": "standard"},
		Access:      AccessReadOnly,
	},
	"video": {
		Name:        "video",
		Description: "Recordings and raw footage",
		Properties:  map[string]string{"recordsize": "1M", "compression": "off", "atime": "off", "sync": "standard"},
		Access:      AccessReadOnly,
	},
}

// LookupProfile returns a copy of a built-in profile.
func LookupProfile(name string) (Profile, bool) {
	p, ok := builtinProfiles[name]
	if !ok {
		return Profile{}, false
	}
	props := make(map[string]string, len(p.Properties))
	for k, v := range p.Properties {
		props[k] = v
	}
	p.Properties = props
	return p, true
}

// Profiles returns the catalog sorted by name.
func Profiles() []Profile {
	out := make([]Profile, 0, len(builtinProfiles))
	for name := range builtinProfiles {
		p, _ := LookupProfile(name)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Consumers known to only read the data they are given.
var readOnlyConsumers = map[string]bool{
	"jellyfin": true, "plex": true, "emby": true, "kodi": true, "jellyseerr": true,
	"tautulli": true, "overseerr": true, "ombi": true, "photoprism": true,
	"immich-server": true, "immich-web": true, "navidrome": true, "airsonic": true,
	"funkwhale": true, "nginx": true, "apache": true, "caddy": true, "traefik": true,
	"hugo": true, "jekyll": true, "gatsby": true, "grafana": true, "prometheus": true,
	"node-exporter": true, "uptime-kuma": true, "heimdall": true, "homer": true,
}

// Consumers that write into their data directories.
var readWriteConsumers = map[string]bool{
	"sonarr": true, "radarr": true, "lidarr": true, "prowlarr": true, "bazarr": true,
	"readarr": true, "whisparr": true, "mylar3": true, "qbittorrent": true,
	"transmission": true, "deluge": true, "sabnzbd": true, "nzbget": true,
	"rtorrent": true, "flood": true, "nextcloud": true, "syncthing": true,
	"seafile": true, "filebrowser": true, "duplicati": true, "restic": true,
	"immich": true, "photoprism-import": true, "photostructure": true,
	"portainer": true, "code-server": true, "gitea": true, "gitlab": true,
	"jenkins": true, "drone": true, "woodpecker": true, "postgres": true,
	"mysql": true, "mariadb": true, "mongodb": true, "redis": true, "influxdb": true,
	"elasticsearch": true, "homeassistant": true, "nodered": true,
	"zigbee2mqtt": true, "mosquitto": true, "openhab": true, "domoticz": true,
}

var webAdminMarkers = []string{"proxy", "config", "admin", "manager"}

// ConsumerAccess guesses the access mode a container needs from its name.
// It returns AccessUnspecified when the name matches nothing known.
func ConsumerAccess(name string) AccessMode {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return AccessUnspecified
	}

	// Exact matches first.
	if readWriteConsumers[n] {
		return AccessReadWrite
	}
	if readOnlyConsumers[n] {
		return AccessReadOnly
	}

	// A web server that manages its own config needs to write.
	if strings.Contains(n, "nginx") {
		for _, m := range webAdminMarkers {
			if strings.Contains(n, m) {
				return AccessReadWrite
			}
		}
		return AccessReadOnly
	}

	// Longest known name contained in the container name wins.
	best, bestLen := AccessUnspecified, 0
	match := func(set map[string]bool, mode AccessMode) {
		for known := range set {
			if len(known) > bestLen && strings.Contains(n, known) {
				best, bestLen = mode, len(known)
			}
		}
	}
	match(readWriteConsumers, AccessReadWrite)
	match(readOnlyConsumers, AccessReadOnly)
	return best
}

// accessSource records where a resolved access mode came from.
type accessSource string

const (
	accessExplicit accessSource = "explicit"
	accessProfile  accessSource = "profile"
	accessPattern  accessSource = "container name"
	accessDefault  accessSource = "default"
)

// resolveAccess applies explicit > profile hint > known consumer > read-write.
func resolveAccess(explicit *bool, profile AccessMode, consumer string) (bool, accessSource) {
	if explicit != nil {
		return *explicit, accessExplicit
	}
	if profile != AccessUnspecified {
		return profile == AccessReadOnly, accessProfile
	}
	if mode := ConsumerAccess(consumer); mode != AccessUnspecified {
		return mode == AccessReadOnly, accessPattern
	}
	return false, accessDefault
}
