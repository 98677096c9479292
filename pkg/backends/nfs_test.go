package backends

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tengil/tengil/pkg/engine"
)

func nfsShare(dataset, options string, readonly bool) *engine.Share {
	return &engine.Share{
		Protocol:       engine.ShareProtocolNFS,
		Name:           dataset,
		Dataset:        dataset,
		Path:           "/" + dataset,
		ReadOnly:       readonly,
		AllowedNetwork: "192.168.1.0/24",
		Options:        options,
	}
}

func TestNFS_Configure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exports.d", "tengil.exports")
	r := newFakeRunner()
	n := NewNFS(r, NFSConfig{ExportsPath: path}, nil)
	ctx := context.Background()

	res, err := n.Configure(ctx, nfsShare("tank/media", "ro,sync,no_subtree_check", true))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !res.Changed || !r.called("exportfs -ra") {
		t.Errorf("Expected export and re-export, got %+v %v", res, r.calls)
	}
	if _, err := n.Configure(ctx, nfsShare("tank/backups", "rw,sync,no_subtree_check", false)); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	want := "# Tengil-managed NFS exports\n" +
		"/tank/media 192.168.1.0/24(ro,sync,no_subtree_check) # tengil:name=tank/media\n" +
		"/tank/backups 192.168.1.0/24(rw,sync,no_subtree_check) # tengil:name=tank/backups\n"
	if string(data) != want {
		t.Errorf("Unexpected exports file:\n%s", data)
	}

	// Same export again is a no-op.
	reexports := r.count("exportfs")
	res, err = n.Configure(ctx, nfsShare("tank/media", "ro,sync,no_subtree_check", true))
	if err != nil || res.Changed {
		t.Errorf("Expected no-op, got %+v, %v", res, err)
	}
	if r.count("exportfs") != reexports {
		t.Error("No-op must not re-export")
	}

	// Changing options replaces the line in place.
	if _, err := n.Configure(ctx, nfsShare("tank/media", "rw,sync,no_subtree_check", false)); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	data, _ = os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[1], "/tank/media 192.168.1.0/24(rw,") {
		t.Errorf("Expected updated line in place, got:\n%s", data)
	}
}

func TestNFS_ListAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tengil.exports")
	content := "# Tengil-managed NFS exports\n" +
		"/tank/media 10.0.0.0/8(ro,sync,no_subtree_check) # tengil:name=tank/media\n" +
		"/srv/legacy *(rw,sync)\n" +
		"/srv/bare host1\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	shares, err := NewNFS(newFakeRunner(), NFSConfig{ExportsPath: path}, nil).ListAll(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(shares) != 3 {
		t.Fatalf("Expected 3 shares, got %+v", shares)
	}

	byName := map[string]engine.Share{}
	for _, s := range shares {
		byName[s.Name] = s
	}
	media := byName["tank/media"]
	if media.Path != "/tank/media" || !media.ReadOnly || media.AllowedNetwork != "10.0.0.0/8" {
		t.Errorf("Unexpected media export: %+v", media)
	}
	legacy := byName["srv/legacy"]
	if legacy.ReadOnly || legacy.Options != "rw,sync" || legacy.AllowedNetwork != "*" {
		t.Errorf("Unexpected legacy export: %+v", legacy)
	}
	if bare := byName["srv/bare"]; !bare.ReadOnly || bare.Options != "ro" {
		t.Errorf("Expected client without options to default to ro, got %+v", bare)
	}
}
