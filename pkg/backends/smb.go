package backends

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/ini.v1"

	"github.com/tengil/tengil/pkg/engine"
	"github.com/tengil/tengil/pkg/telemetry"
)

// DefaultSMBConfPath is the Samba configuration file.
const DefaultSMBConfPath = "/etc/samba/smb.conf"

// Sections that are never shares.
var specialSMBSections = map[string]bool{
	"global":   true,
	"homes":    true,
	"printers": true,
	"print$":   true,
}

// Keys written only when a share section is first created.
var smbSectionDefaults = [][2]string{
	{"create mask", "0664"},
	{"directory mask", "0775"},
}

// SMBConfig configures the Samba backend.
type SMBConfig struct {
	ConfPath string
	FS       FileSystem
}

// SMB manages share sections of smb.conf.
type SMB struct {
	runner Runner
	fs     FileSystem
	path   string
	logger *telemetry.Logger
	mu     sync.Mutex
}

// NewSMB creates the Samba backend.
func NewSMB(runner Runner, cfg SMBConfig, logger *telemetry.Logger) *SMB {
	if cfg.ConfPath == "" {
		cfg.ConfPath = DefaultSMBConfPath
	}
	if cfg.FS == nil {
		cfg.FS = LocalFS{}
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &SMB{runner: runner, fs: cfg.FS, path: cfg.ConfPath, logger: logger.NewComponentLogger("smb")}
}

// Protocol returns smb.
func (s *SMB) Protocol() engine.ShareProtocol { return engine.ShareProtocolSMB }

// Configure writes the share section, validates the file with testparm and
// reloads Samba. An invalid result is rolled back.
func (s *SMB) Configure(ctx context.Context, share *engine.Share) (engine.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, err := s.fs.ReadFile(s.path)
	if err != nil {
		return engine.Result{}, err
	}
	cfg, err := loadSMBConf(original)
	if err != nil {
		return engine.Result{}, engine.NewPermanentError(fmt.Sprintf("failed to parse %s", s.path), err).
			WithCode(engine.ErrCodeValidation)
	}

	created := !sectionExists(cfg, share.Name)
	sec := cfg.Section(share.Name)
	changed := created
	for _, kv := range smbDirectives(share) {
		key, value := kv[0], kv[1]
		if value == "" {
			if sec.HasKey(key) {
				sec.DeleteKey(key)
				changed = true
			}
			continue
		}
		if sec.HasKey(key) && smbValueEqual(sec.Key(key).String(), value) {
			continue
		}
		sec.Key(key).SetValue(value)
		changed = true
	}
	// "read only" is authoritative; drop the conflicting alias.
	if sec.HasKey("writable") {
		sec.DeleteKey("writable")
		changed = true
	}
	if created {
		for _, kv := range smbSectionDefaults {
			sec.Key(kv[0]).SetValue(kv[1])
		}
	}
	if !changed {
		return engine.Result{}, nil
	}

	var buf bytes.Buffer
	if _, err := cfg.WriteTo(&buf); err != nil {
		return engine.Result{}, fmt.Errorf("failed to render %s: %w", s.path, err)
	}
	if err := s.fs.WriteFile(s.path, buf.Bytes(), 0o644); err != nil {
		return engine.Result{}, err
	}

	if _, err := s.runner.Run(ctx, "testparm", "-s", s.path); err != nil {
		if original != nil {
			if rerr := s.fs.WriteFile(s.path, original, 0o644); rerr != nil {
				s.logger.WithError(rerr).Error("Failed to restore smb.conf")
			}
		}
		return engine.Result{}, engine.NewPermanentError(fmt.Sprintf("smb.conf rejected after writing [%s]", share.Name), err).
			WithCode(engine.ErrCodeValidation)
	}
	if err := s.reload(ctx); err != nil {
		return engine.Result{Changed: true}, err
	}

	verb := "Updated"
	if created {
		verb = "Created"
	}
	s.logger.WithResourceID(share.Key()).Infof("%s SMB share [%s] at %s", verb, share.Name, share.Path)
	return engine.Result{Changed: true}, nil
}

// ListAll parses every non-special section of smb.conf.
func (s *SMB) ListAll(ctx context.Context) ([]engine.Share, error) {
	data, err := s.fs.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	cfg, err := loadSMBConf(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}

	var shares []engine.Share
	for _, sec := range cfg.Sections() {
		if sec.Name() == ini.DefaultSection || specialSMBSections[strings.ToLower(sec.Name())] {
			continue
		}
		shares = append(shares, shareFromSection(sec))
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i].Name < shares[j].Name })
	return shares, nil
}

func (s *SMB) reload(ctx context.Context) error {
	if _, err := s.runner.Run(ctx, "systemctl", "reload", "smbd"); err == nil {
		return nil
	}
	if _, err := s.runner.Run(ctx, "service", "smbd", "reload"); err != nil {
		return engine.NewTransientError("failed to reload smbd", err)
	}
	return nil
}

func loadSMBConf(data []byte) (*ini.File, error) {
	if data == nil {
		data = []byte{}
	}
	return ini.LoadSources(ini.LoadOptions{
		AllowBooleanKeys:        true,
		IgnoreInlineComment:     true,
		SkipUnrecognizableLines: true,
		PreserveSurroundedQuote: true,
		// Samba keys such as "fruit:metadata" contain colons.
		KeyValueDelimiters:       "=",
		KeyValueDelimiterOnWrite: "=",
	}, data)
}

func sectionExists(cfg *ini.File, name string) bool {
	_, err := cfg.GetSection(name)
	return err == nil
}

// smbDirectives maps a share onto the keys tengil owns. Empty values are removed.
func smbDirectives(share *engine.Share) [][2]string {
	return [][2]string{
		{"path", share.Path},
		{"browseable", yesNo(share.Browseable)},
		{"read only", yesNo(share.ReadOnly)},
		{"guest ok", yesNo(share.GuestOK)},
		{"valid users", strings.Join(share.ValidUsers, " ")},
		{"hosts allow", share.AllowedNetwork},
		{"comment", share.Comment},
	}
}

func shareFromSection(sec *ini.Section) engine.Share {
	get := func(key string) string {
		if !sec.HasKey(key) {
			return ""
		}
		return strings.TrimSpace(sec.Key(key).String())
	}

	share := engine.Share{
		Protocol:       engine.ShareProtocolSMB,
		Name:           sec.Name(),
		Path:           get("path"),
		Browseable:     true,
		ReadOnly:       true,
		AllowedNetwork: get("hosts allow"),
		Comment:        get("comment"),
	}
	if v := firstSet(get("browseable"), get("browsable")); v != "" {
		share.Browseable = parseSMBBool(v)
	}
	if v := get("read only"); v != "" {
		share.ReadOnly = parseSMBBool(v)
	} else if v := firstSet(get("writable"), get("writeable"), get("write ok")); v != "" {
		share.ReadOnly = !parseSMBBool(v)
	}
	if v := firstSet(get("guest ok"), get("public")); v != "" {
		share.GuestOK = parseSMBBool(v)
	}
	if v := get("valid users"); v != "" {
		share.ValidUsers = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
		sort.Strings(share.ValidUsers)
	}
	return share
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseSMBBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "true", "1", "on":
		return true
	default:
		return false
	}
}

func smbValueEqual(have, want string) bool {
	have = strings.TrimSpace(have)
	if strings.EqualFold(have, want) {
		return true
	}
	if want == "yes" || want == "no" {
		return parseSMBBool(have) == (want == "yes")
	}
	return false
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
