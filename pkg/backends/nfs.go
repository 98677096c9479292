package backends

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tengil/tengil/pkg/engine"
	"github.com/tengil/tengil/pkg/telemetry"
)

const (
	// DefaultNFSExportsPath is the exports file owned by tengil.
	DefaultNFSExportsPath = "/etc/exports.d/tengil.exports"

	nfsHeader     = "# Tengil-managed NFS exports"
	nfsNameMarker = "# tengil:name="
)

// NFSConfig configures the NFS backend.
type NFSConfig struct {
	ExportsPath string
	FS          FileSystem
}

// NFS manages exports in a dedicated exports.d file.
type NFS struct {
	runner Runner
	fs     FileSystem
	path   string
	logger *telemetry.Logger
	mu     sync.Mutex
}

// NewNFS creates the NFS backend.
func NewNFS(runner Runner, cfg NFSConfig, logger *telemetry.Logger) *NFS {
	if cfg.ExportsPath == "" {
		cfg.ExportsPath = DefaultNFSExportsPath
	}
	if cfg.FS == nil {
		cfg.FS = LocalFS{}
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &NFS{runner: runner, fs: cfg.FS, path: cfg.ExportsPath, logger: logger.NewComponentLogger("nfs")}
}

// Protocol returns nfs.
func (n *NFS) Protocol() engine.ShareProtocol { return engine.ShareProtocolNFS }

// Configure writes the export line for the share and re-exports.
func (n *NFS) Configure(ctx context.Context, share *engine.Share) (engine.Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	data, err := n.fs.ReadFile(n.path)
	if err != nil {
		return engine.Result{}, err
	}

	line := exportLine(share)
	var lines []string
	replaced := false
	for _, existing := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(existing)
		if trimmed == "" || trimmed == nfsHeader {
			continue
		}
		if e, ok := parseExportLine(trimmed); ok && (e.Path == share.Path || e.Name == share.Name) {
			if replaced {
				continue
			}
			if trimmed == line {
				return engine.Result{}, nil
			}
			lines = append(lines, line)
			replaced = true
			continue
		}
		lines = append(lines, existing)
	}
	if !replaced {
		lines = append(lines, line)
	}

	content := nfsHeader + "\n" + strings.Join(lines, "\n") + "\n"
	if err := n.fs.WriteFile(n.path, []byte(content), 0o644); err != nil {
		return engine.Result{}, err
	}
	if _, err := n.runner.Run(ctx, "exportfs", "-ra"); err != nil {
		return engine.Result{Changed: true}, engine.NewTransientError("failed to re-export NFS shares", err)
	}
	n.logger.WithResourceID(share.Key()).Infof("Exported %s to %s", share.Path, share.AllowedNetwork)
	return engine.Result{Changed: true}, nil
}

// ListAll parses the exports file.
func (n *NFS) ListAll(ctx context.Context) ([]engine.Share, error) {
	data, err := n.fs.ReadFile(n.path)
	if err != nil {
		return nil, err
	}
	var shares []engine.Share
	for _, line := range splitLines(string(data)) {
		if s, ok := parseExportLine(strings.TrimSpace(line)); ok {
			shares = append(shares, s)
		}
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i].Name < shares[j].Name })
	return shares, nil
}

func exportLine(share *engine.Share) string {
	allowed := share.AllowedNetwork
	if allowed == "" {
		allowed = "*"
	}
	return fmt.Sprintf("%s %s(%s) %s%s", share.Path, allowed, share.Options, nfsNameMarker, share.Name)
}

// parseExportLine reads "<path> <client>(<options>) [# tengil:name=<dataset>]".
// Exports without a name marker are named after their path.
func parseExportLine(line string) (engine.Share, bool) {
	if line == "" || strings.HasPrefix(line, "#") {
		return engine.Share{}, false
	}
	body, comment, _ := strings.Cut(line, "#")
	fields := strings.Fields(body)
	if len(fields) < 2 {
		return engine.Share{}, false
	}

	share := engine.Share{
		Protocol: engine.ShareProtocolNFS,
		Path:     fields[0],
		Name:     strings.TrimPrefix(fields[0], "/"),
	}
	client, opts, hasOpts := strings.Cut(fields[1], "(")
	share.AllowedNetwork = client
	if hasOpts {
		share.Options = strings.TrimSuffix(opts, ")")
	} else {
		share.Options = "ro"
	}
	if name, ok := strings.CutPrefix(strings.TrimSpace("#"+comment), nfsNameMarker); ok && name != "" {
		share.Name = strings.TrimSpace(name)
	}
	for _, opt := range strings.Split(share.Options, ",") {
		if opt == "ro" {
			share.ReadOnly = true
		}
	}
	return share, true
}
