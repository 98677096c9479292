package engine

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

const homelabDoc = `
version: 1
pools:
  tank:
    datasets:
      media:
        profile: media
        zfs:
          compression: LZ4
          atime: yes
        containers:
          - "jellyfin:/media"
          - name: sonarr
            mount: /tv
        shares:
          smb:
            name: Media
            valid_users: [bob, alice]
      media/movies/4k:
        profile: media
      downloads:
        zfs:
          recordsize: 1048576
containers:
  - name: jellyfin
    vmid: 101
    template: debian-12-standard
  - name: sonarr
    vmid: 102
    image: linuxserver/sonarr:4
    mounts:
      - dataset: tank/downloads
        mount: /downloads
shares:
  - dataset: tank/downloads
    nfs:
      allowed: 192.168.1.0/24
`

func parseDoc(t *testing.T, src string) *Document {
	t.Helper()
	var doc Document
	if err := yaml.Unmarshal([]byte(src), &doc); err != nil {
		t.Fatalf("Failed to parse document: %v", err)
	}
	return &doc
}

func TestResolve_Homelab(t *testing.T) {
	desired, err := Resolve(parseDoc(t, homelabDoc))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	media := desired.Datasets["tank/media"]
	if media == nil {
		t.Fatal("Expected tank/media to be resolved")
	}
	if media.Properties["compression"] != "lz4" {
		t.Errorf("Override should win over profile: compression = %q", media.Properties["compression"])
	}
	if media.Properties["atime"] != "on" {
		t.Errorf("YAML boolean should become on: atime = %q", media.Properties["atime"])
	}
	if media.Properties["recordsize"] != "1M" {
		t.Errorf("Profile property missing: recordsize = %q", media.Properties["recordsize"])
	}
	if got := desired.Datasets["tank/downloads"].Properties["recordsize"]; got != "1M" {
		t.Errorf("Size should be normalized: recordsize = %q", got)
	}

	parent := desired.Datasets["tank/media/movies"]
	if parent == nil || !parent.AutoParent {
		t.Fatalf("Expected implicit parent tank/media/movies, got %+v", parent)
	}
	if _, ok := desired.Datasets["tank/media/movies/4k"]; !ok {
		t.Error("Expected nested dataset tank/media/movies/4k")
	}

	jellyfin := desired.Containers[101]
	if jellyfin.Kind != ContainerKindTemplate {
		t.Errorf("jellyfin kind = %q, want template", jellyfin.Kind)
	}
	if len(jellyfin.Mounts) != 1 || !jellyfin.Mounts[0].ReadOnly || jellyfin.Mounts[0].Source != "/tank/media" {
		t.Errorf("Unexpected jellyfin mounts: %+v", jellyfin.Mounts)
	}

	sonarr := desired.Containers[102]
	if sonarr.Kind != ContainerKindImage {
		t.Errorf("sonarr kind = %q, want image", sonarr.Kind)
	}
	if sonarr.Image != "index.docker.io/linuxserver/sonarr:4" {
		t.Errorf("sonarr image = %q", sonarr.Image)
	}
	if len(sonarr.Mounts) != 2 {
		t.Fatalf("Expected 2 sonarr mounts, got %+v", sonarr.Mounts)
	}
	// Sorted by target: /downloads then /tv.
	if sonarr.Mounts[0].Target != "/downloads" || sonarr.Mounts[0].ReadOnly {
		t.Errorf("downloads mount should be read-write: %+v", sonarr.Mounts[0])
	}
	if sonarr.Mounts[1].Target != "/tv" || !sonarr.Mounts[1].ReadOnly {
		t.Errorf("profile hint should make /tv read-only: %+v", sonarr.Mounts[1])
	}

	smb := desired.Shares["smb:Media"]
	if smb == nil {
		t.Fatalf("Expected smb:Media share, got keys %v", sortedKeys(desired.Shares))
	}
	if !smb.ReadOnly || !smb.Browseable || smb.Path != "/tank/media" {
		t.Errorf("Unexpected smb share: %+v", smb)
	}
	if strings.Join(smb.ValidUsers, ",") != "alice,bob" {
		t.Errorf("valid users should be sorted: %v", smb.ValidUsers)
	}

	nfs := desired.Shares["nfs:tank/downloads"]
	if nfs == nil {
		t.Fatal("Expected nfs share for tank/downloads")
	}
	if nfs.Options != "rw,sync,no_subtree_check" || nfs.AllowedNetwork != "192.168.1.0/24" {
		t.Errorf("Unexpected nfs share: %+v", nfs)
	}

	if len(media.Mounts) != 2 || len(media.Shares) != 1 {
		t.Errorf("Expected mounts and shares linked on tank/media, got %d mounts, %d shares",
			len(media.Mounts), len(media.Shares))
	}

	var sawMismatch bool
	for _, n := range desired.Notes {
		if strings.Contains(n, "sonarr usually writes") {
			sawMismatch = true
		}
	}
	if !sawMismatch {
		t.Errorf("Expected a note about sonarr getting read-only access, notes: %v", desired.Notes)
	}
}

func TestResolve_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "unknown profile",
			doc: `
pools:
  tank:
    datasets:
      media: {profile: cinema}
`,
			want: "unknown profile",
		},
		{
			name: "duplicate container id",
			doc: `
containers:
  - {name: a, vmid: 101, template: t}
  - {name: b, vmid: 101, template: t}
`,
			want: "duplicate container id",
		},
		{
			name: "duplicate container name",
			doc: `
containers:
  - {name: a, vmid: 101, template: t}
  - {name: a, vmid: 102, template: t}
`,
			want: "duplicate container name",
		},
		{
			name: "mount target collision",
			doc: `
pools:
  tank:
    datasets:
      a: {containers: ["app:/data"]}
      b: {containers: ["app:/data"]}
containers:
  - {name: app, vmid: 101, template: t}
`,
			want: "declared twice",
		},
		{
			name: "share on unknown dataset",
			doc: `
shares:
  - dataset: tank/missing
    smb: {}
`,
			want: "unknown dataset",
		},
		{
			name: "mount into unknown container",
			doc: `
pools:
  tank:
    datasets:
      media: {containers: ["ghost:/media"]}
`,
			want: "unknown container",
		},
		{
			name: "image and template",
			doc: `
containers:
  - {name: a, vmid: 101, template: t, image: nginx}
`,
			want: "both image and template",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(parseDoc(t, tt.doc))
			if err == nil {
				t.Fatal("Expected resolution error, got nil")
			}
			if !IsResolutionError(err) {
				t.Errorf("Expected a resolution error, got: %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestResolve_SameMountTwiceIsDeduplicated(t *testing.T) {
	doc := parseDoc(t, `
pools:
  tank:
    datasets:
      media: {containers: ["app:/data:ro"]}
containers:
  - name: app
    vmid: 101
    template: t
    mounts:
      - {dataset: tank/media, mount: /data, readonly: true}
`)
	desired, err := Resolve(doc)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if n := len(desired.Containers[101].Mounts); n != 1 {
		t.Errorf("Expected 1 mount, got %d", n)
	}
}

func TestResolve_DoesNotShareDocumentValues(t *testing.T) {
	doc := parseDoc(t, `
containers:
  - name: app
    vmid: 101
    template: t
    gpu: false
    env: {TZ: UTC}
`)
	desired, err := Resolve(doc)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	c := desired.Containers[101]
	if c.GPU == nil || *c.GPU {
		t.Fatalf("Expected an explicit gpu: false, got %v", c.GPU)
	}

	c.Env["TZ"] = "Europe/Oslo"
	*c.GPU = true
	if doc.Containers[0].Env["TZ"] != "UTC" {
		t.Errorf("Expected the document env to be untouched, got %v", doc.Containers[0].Env)
	}
	if *doc.Containers[0].GPU {
		t.Error("Expected the document gpu flag to be untouched")
	}
}

func TestDesired_Clone(t *testing.T) {
	desired, err := Resolve(parseDoc(t, homelabDoc))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	cp, err := desired.Clone()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	cp.Datasets["tank/media"].Properties["compression"] = "zstd"
	if desired.Datasets["tank/media"].Properties["compression"] != "lz4" {
		t.Error("Expected the clone to be independent")
	}

	var empty *Desired
	if got, err := empty.Clone(); got != nil || err != nil {
		t.Errorf("Expected nil clone of nil model, got %v, %v", got, err)
	}
}

func TestParseMountShorthand(t *testing.T) {
	m, err := ParseMountShorthand("jellyfin:/media:ro")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if m.Name != "jellyfin" || m.Mount != "/media" || m.ReadOnly == nil || !*m.ReadOnly {
		t.Errorf("Unexpected parse result: %+v", m)
	}

	for _, bad := range []string{"jellyfin", "jellyfin:media", ":/media", "a:/b:rx"} {
		if _, err := ParseMountShorthand(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestNormalizeImage(t *testing.T) {
	a, err := NormalizeImage("jellyfin/jellyfin:10.9")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	b, err := NormalizeImage("docker.io/jellyfin/jellyfin:10.9")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if a != b {
		t.Errorf("Equivalent references differ: %q vs %q", a, b)
	}
}
