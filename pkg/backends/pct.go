package backends

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/tengil/tengil/pkg/engine"
	"github.com/tengil/tengil/pkg/telemetry"
)

const (
	// markerPrefix starts the description line that records how tengil built a container.
	markerPrefix = "tengil:"

	defaultBridge = "vmbr0"
	defaultIP     = "dhcp"
	defaultDisk   = 8
)

// GPU device nodes passed through to containers with gpu enabled.
var gpuDevices = []string{"/dev/dri/card0", "/dev/dri/renderD128"}

// PCTConfig configures the pct container drivers.
type PCTConfig struct {
	// Storage holds container root filesystems.
	Storage string

	// TemplateStorage is the storage id holding vztmpl volumes.
	TemplateStorage string

	// ImageCacheDir is where pulled OCI archives are stored. It must be the
	// directory backing TemplateStorage's vztmpl content.
	ImageCacheDir string

	// StopTimeout bounds a graceful shutdown before it is forced.
	StopTimeout time.Duration

	// FS is checked for cached image archives.
	FS FileSystem
}

func (c PCTConfig) withDefaults() PCTConfig {
	if c.Storage == "" {
		c.Storage = "local-lvm"
	}
	if c.TemplateStorage == "" {
		c.TemplateStorage = "local"
	}
	if c.ImageCacheDir == "" {
		c.ImageCacheDir = "/var/lib/vz/template/cache"
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 60 * time.Second
	}
	if c.FS == nil {
		c.FS = LocalFS{}
	}
	return c
}

// PCT drives containers of one kind through the pct command.
type PCT struct {
	kind   engine.ContainerKind
	runner Runner
	cfg    PCTConfig
	logger *telemetry.Logger
}

// NewPCT creates a driver for kind.
func NewPCT(kind engine.ContainerKind, runner Runner, cfg PCTConfig, logger *telemetry.Logger) *PCT {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &PCT{
		kind:   kind,
		runner: runner,
		cfg:    cfg.withDefaults(),
		logger: logger.NewComponentLogger("pct-" + string(kind)),
	}
}

// Kind returns the container family this driver handles.
func (p *PCT) Kind() engine.ContainerKind { return p.kind }

// Exists reports whether the container id is present on the host.
func (p *PCT) Exists(ctx context.Context, id int) (bool, error) {
	_, err := p.status(ctx, id)
	if err == nil {
		return true, nil
	}
	if IsCommandError(err) {
		return false, nil
	}
	return false, err
}

// Create creates the container without starting it.
func (p *PCT) Create(ctx context.Context, spec *engine.Container) (engine.Result, error) {
	if spec.Kind != p.kind {
		return engine.Result{}, engine.NewPermanentError(
			fmt.Sprintf("%s driver cannot create %s container %d", p.kind, spec.Kind, spec.ID), nil).
			WithCode(engine.ErrCodeValidation)
	}

	volume, err := p.templateVolume(ctx, spec)
	if err != nil {
		return engine.Result{}, err
	}

	disk := spec.Resources.Disk
	if disk <= 0 {
		disk = defaultDisk
	}
	args := []string{"create", strconv.Itoa(spec.ID), volume,
		"--hostname", spec.Name,
		"--rootfs", fmt.Sprintf("%s:%d", p.cfg.Storage, disk),
		"--net0", netSpec(spec.Network),
		"--unprivileged", "1",
		"--description", describe(spec),
	}
	if spec.Resources.Cores > 0 {
		args = append(args, "--cores", strconv.Itoa(spec.Resources.Cores))
	}
	if spec.Resources.Memory > 0 {
		args = append(args, "--memory", strconv.Itoa(spec.Resources.Memory))
	}
	if len(spec.Env) > 0 {
		args = append(args, "--env", encodeEnv(spec.Env))
	}
	if spec.HasGPU() {
		args = append(args, gpuArgs()...)
	}

	if _, err := p.runner.Run(ctx, "pct", args...); err != nil {
		return engine.Result{}, fmt.Errorf("failed to create container %d: %w", spec.ID, err)
	}
	p.logger.WithResourceID(spec.Key()).Infof("Created container %s from %s", spec.Name, volume)
	return engine.Result{Changed: true}, nil
}

// Start starts the container unless it is already running.
func (p *PCT) Start(ctx context.Context, id int) (engine.Result, error) {
	status, err := p.status(ctx, id)
	if err != nil {
		return engine.Result{}, fmt.Errorf("failed to read status of container %d: %w", id, err)
	}
	if status == "running" {
		return engine.Result{}, nil
	}
	if _, err := p.runner.Run(ctx, "pct", "start", strconv.Itoa(id)); err != nil {
		return engine.Result{}, fmt.Errorf("failed to start container %d: %w", id, err)
	}
	return engine.Result{Changed: true}, nil
}

// Stop shuts the container down, forcing it after StopTimeout.
func (p *PCT) Stop(ctx context.Context, id int) (engine.Result, error) {
	status, err := p.status(ctx, id)
	if err != nil {
		return engine.Result{}, fmt.Errorf("failed to read status of container %d: %w", id, err)
	}
	if status != "running" {
		return engine.Result{}, nil
	}
	timeout := strconv.Itoa(int(p.cfg.StopTimeout.Seconds()))
	if _, err := p.runner.Run(ctx, "pct", "shutdown", strconv.Itoa(id), "--timeout", timeout, "--forceStop", "1"); err != nil {
		return engine.Result{}, fmt.Errorf("failed to stop container %d: %w", id, err)
	}
	return engine.Result{Changed: true}, nil
}

// SetInPlace applies changes with pct set and pct resize.
func (p *PCT) SetInPlace(ctx context.Context, spec *engine.Container, changes []engine.Change) (engine.Result, error) {
	id := strconv.Itoa(spec.ID)
	args := []string{"set", id}
	var deletes []string
	var resize int

	for _, ch := range changes {
		switch ch.Path {
		case engine.FieldName:
			args = append(args, "--hostname", spec.Name)
		case engine.FieldCores:
			args = append(args, "--cores", strconv.Itoa(spec.Resources.Cores))
		case engine.FieldMemory:
			args = append(args, "--memory", strconv.Itoa(spec.Resources.Memory))
		case engine.FieldBridge, engine.FieldIP:
			if !containsArg(args, "--net0") {
				args = append(args, "--net0", netSpec(spec.Network))
			}
		case engine.FieldEnv:
			if len(spec.Env) == 0 {
				deletes = append(deletes, "env")
			} else {
				args = append(args, "--env", encodeEnv(spec.Env))
			}
		case engine.FieldGPU:
			if spec.HasGPU() {
				args = append(args, gpuArgs()...)
			} else {
				deletes = append(deletes, "dev0", "dev1")
			}
		case engine.FieldDescription:
			args = append(args, "--description", describe(spec))
		case engine.FieldDisk:
			before, _ := ch.Before.(int)
			if spec.Resources.Disk < before {
				return engine.Result{}, engine.NewPermanentError(
					fmt.Sprintf("container %d: disk cannot shrink from %dG to %dG in place", spec.ID, before, spec.Resources.Disk), nil).
					WithCode(engine.ErrCodeValidation)
			}
			resize = spec.Resources.Disk
		default:
			return engine.Result{}, engine.NewPermanentError(
				fmt.Sprintf("container %d: %s cannot be changed in place", spec.ID, ch.Path), nil).
				WithCode(engine.ErrCodeValidation)
		}
	}
	if len(deletes) > 0 {
		args = append(args, "--delete", strings.Join(deletes, ","))
	}

	changed := false
	if len(args) > 2 {
		if _, err := p.runner.Run(ctx, "pct", args...); err != nil {
			return engine.Result{}, fmt.Errorf("failed to update container %d: %w", spec.ID, err)
		}
		changed = true
	}
	if resize > 0 {
		if _, err := p.runner.Run(ctx, "pct", "resize", id, "rootfs", fmt.Sprintf("%dG", resize)); err != nil {
			return engine.Result{Changed: changed}, fmt.Errorf("failed to resize container %d: %w", spec.ID, err)
		}
		changed = true
	}
	return engine.Result{Changed: changed}, nil
}

// Destroy removes the container and its volumes.
func (p *PCT) Destroy(ctx context.Context, id int) (engine.Result, error) {
	exists, err := p.Exists(ctx, id)
	if err != nil {
		return engine.Result{}, err
	}
	if !exists {
		return engine.Result{Note: "container already absent"}, nil
	}
	if _, err := p.runner.Run(ctx, "pct", "destroy", strconv.Itoa(id), "--purge"); err != nil {
		return engine.Result{}, fmt.Errorf("failed to destroy container %d: %w", id, err)
	}
	p.logger.WithResourceID(strconv.Itoa(id)).Warn("Destroyed container")
	return engine.Result{Changed: true}, nil
}

// ListAll returns the containers of this driver's kind with their mounts.
// Containers without a tengil marker are template containers.
func (p *PCT) ListAll(ctx context.Context) ([]engine.Container, error) {
	out, err := p.runner.Run(ctx, "pct", "list")
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var containers []engine.Container
	for _, entry := range parsePCTList(out) {
		cfgOut, err := p.runner.Run(ctx, "pct", "config", strconv.Itoa(entry.id))
		if err != nil {
			return nil, fmt.Errorf("failed to read config of container %d: %w", entry.id, err)
		}
		c := parseContainerConfig(entry.id, cfgOut)
		if c.Kind != p.kind {
			continue
		}
		c.Running = entry.status == "running"
		if c.Name == "" {
			c.Name = entry.name
		}
		containers = append(containers, c)
	}
	return containers, nil
}

func (p *PCT) status(ctx context.Context, id int) (string, error) {
	out, err := p.runner.Run(ctx, "pct", "status", strconv.Itoa(id))
	if err != nil {
		return "", err
	}
	// "status: running"
	_, value, _ := strings.Cut(strings.TrimSpace(out), ":")
	return strings.TrimSpace(value), nil
}

// templateVolume returns the vztmpl volume for spec, pulling OCI images
// into the template cache when their archive is missing.
func (p *PCT) templateVolume(ctx context.Context, spec *engine.Container) (string, error) {
	if spec.Kind == engine.ContainerKindTemplate {
		if strings.Contains(spec.Template, ":") {
			return spec.Template, nil
		}
		return p.cfg.TemplateStorage + ":vztmpl/" + spec.Template, nil
	}

	archive, err := ImageArchiveName(spec.Image)
	if err != nil {
		return "", engine.NewPermanentError(fmt.Sprintf("invalid image reference %q", spec.Image), err).
			WithCode(engine.ErrCodeValidation)
	}
	path := filepath.Join(p.cfg.ImageCacheDir, archive)
	cached, err := p.cfg.FS.Exists(path)
	if err != nil {
		return "", err
	}
	if !cached {
		p.logger.WithResourceID(spec.Key()).Infof("Pulling %s", spec.Image)
		if _, err := p.runner.Run(ctx, "skopeo", "copy", "docker://"+spec.Image, "oci-archive:"+path); err != nil {
			return "", engine.NewTransientError(fmt.Sprintf("failed to pull %s", spec.Image), err)
		}
	}
	return p.cfg.TemplateStorage + ":vztmpl/" + archive, nil
}

// ImageArchiveName is the template cache file name for an OCI reference,
// e.g. "jellyfin-10.9.tar".
func ImageArchiveName(image string) (string, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return "", err
	}
	repo := ref.Context().RepositoryStr()
	base := repo[strings.LastIndex(repo, "/")+1:]

	var version string
	switch r := ref.(type) {
	case name.Tag:
		version = r.TagStr()
	case name.Digest:
		digest := strings.TrimPrefix(r.DigestStr(), "sha256:")
		if len(digest) > 12 {
			digest = digest[:12]
		}
		version = digest
	}
	return base + "-" + version + ".tar", nil
}

func netSpec(n engine.Network) string {
	bridge, ip := n.Bridge, n.IP
	if bridge == "" {
		bridge = defaultBridge
	}
	if ip == "" {
		ip = defaultIP
	}
	return fmt.Sprintf("name=eth0,bridge=%s,ip=%s", bridge, ip)
}

func gpuArgs() []string {
	var args []string
	for i, dev := range gpuDevices {
		args = append(args, fmt.Sprintf("--dev%d", i), dev+",mode=0666")
	}
	return args
}

// encodeEnv renders env as the NUL separated list pct expects.
func encodeEnv(env map[string]string) string {
	pairs := make([]string, 0, len(env))
	for _, k := range sortedKeys(env) {
		pairs = append(pairs, k+"="+env[k])
	}
	return strings.Join(pairs, "\x00")
}

func decodeEnv(raw string) map[string]string {
	raw = strings.ReplaceAll(raw, `\0`, "\x00")
	env := make(map[string]string)
	for _, pair := range strings.Split(raw, "\x00") {
		if k, v, ok := strings.Cut(pair, "="); ok && k != "" {
			env[k] = v
		}
	}
	if len(env) == 0 {
		return nil
	}
	return env
}

// describe appends the identity marker to the container description.
func describe(spec *engine.Container) string {
	marker := markerPrefix + "kind=" + string(spec.Kind)
	switch spec.Kind {
	case engine.ContainerKindImage:
		marker += ";image=" + spec.Image
	case engine.ContainerKindTemplate:
		marker += ";template=" + spec.Template
	}
	if spec.Description == "" {
		return marker
	}
	return spec.Description + "\n" + marker
}

// parseMarker splits a description into the human text and the marker fields.
func parseMarker(description string) (string, map[string]string) {
	var text []string
	fields := map[string]string{}
	for _, line := range strings.Split(description, "\n") {
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, markerPrefix); ok {
			for _, kv := range strings.Split(rest, ";") {
				if k, v, ok := strings.Cut(kv, "="); ok {
					fields[k] = v
				}
			}
			continue
		}
		text = append(text, line)
	}
	return strings.TrimSpace(strings.Join(text, "\n")), fields
}

type pctListEntry struct {
	id     int
	status string
	name   string
}

// parsePCTList reads `pct list` output: VMID Status [Lock] Name.
func parsePCTList(out string) []pctListEntry {
	var entries []pctListEntry
	for _, line := range splitLines(out) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			continue // header
		}
		e := pctListEntry{id: id, status: fields[1]}
		if len(fields) > 2 {
			e.name = fields[len(fields)-1]
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	return entries
}

// parseContainerConfig builds a container from `pct config` output.
func parseContainerConfig(id int, out string) engine.Container {
	c := engine.Container{ID: id, Kind: engine.ContainerKindTemplate}
	var description []string
	inDescription := false

	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), markerPrefix) {
			description = append(description, line)
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || strings.ContainsAny(key, " \t") {
			if inDescription {
				description = append(description, line)
			}
			continue
		}
		inDescription = false
		value = strings.TrimSpace(value)

		switch {
		case key == "hostname":
			c.Name = value
		case key == "cores":
			c.Resources.Cores, _ = strconv.Atoi(value)
		case key == "memory":
			c.Resources.Memory, _ = strconv.Atoi(value)
		case key == "rootfs":
			c.Resources.Disk = parseDiskSize(optionValue(value, "size"))
		case key == "net0":
			c.Network.Bridge = optionValue(value, "bridge")
			c.Network.IP = optionValue(value, "ip")
		case key == "env":
			c.Env = decodeEnv(value)
		case key == "description":
			inDescription = true
			description = append(description, value)
		case strings.HasPrefix(key, "dev"):
			if strings.HasPrefix(value, gpuDevices[0]) || strings.HasPrefix(value, gpuDevices[1]) {
				c.GPU = engine.Bool(true)
			}
		case isMountKey(key):
			if m, ok := parseMountSpec(value); ok {
				m.ContainerID = id
				c.Mounts = append(c.Mounts, m)
			}
		}
	}

	text := strings.Join(description, "\n")
	if decoded, err := url.PathUnescape(text); err == nil {
		text = decoded
	}
	desc, marker := parseMarker(text)
	c.Description = desc
	switch engine.ContainerKind(marker["kind"]) {
	case engine.ContainerKindImage:
		c.Kind = engine.ContainerKindImage
		c.Image = marker["image"]
	case engine.ContainerKindTemplate:
		c.Template = marker["template"]
	}
	sort.Slice(c.Mounts, func(i, j int) bool { return c.Mounts[i].Target < c.Mounts[j].Target })
	return c
}

// optionValue returns key's value from "a=1,key=2,..." or "volume,key=2".
func optionValue(opts, key string) string {
	for _, part := range strings.Split(opts, ",") {
		if k, v, ok := strings.Cut(part, "="); ok && k == key {
			return v
		}
	}
	return ""
}

// parseDiskSize converts "8G", "512M" or "1T" to whole GiB, rounding up.
func parseDiskSize(size string) int {
	if size == "" {
		return 0
	}
	unit := size[len(size)-1]
	n, err := strconv.ParseFloat(strings.TrimRight(size, "KMGTkmgt"), 64)
	if err != nil {
		return 0
	}
	switch unit {
	case 'T', 't':
		n *= 1024
	case 'M', 'm':
		n /= 1024
	case 'K', 'k':
		n /= 1024 * 1024
	}
	return int(math.Ceil(n))
}

func containsArg(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}
