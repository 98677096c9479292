package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// decoder turns the bytes of one policy file into a Policy. The fallback
// name is the file name without its extension.
type decoder func(fallback string, data []byte) (*Policy, error)

// decoders is keyed by file extension. Files with any other extension are
// not policies.
var decoders = map[string]decoder{
	".rego": decodeRego,
	".json": decodeJSON,
}

// Loader reads user policies from .rego and .json files. Decoded files are
// cached by path until ClearCache.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]*Policy
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]*Policy),
	}
}

// LoadFromPaths loads every policy below the given files and directories.
// Two policies with the same name are an error, whichever path they came
// from.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	origin := make(map[string]string)

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", root, err)
		}

		var batch []Policy
		if info.IsDir() {
			batch, err = l.loadFromDirectory(ctx, root)
		} else {
			var p *Policy
			if p, err = l.loadFromFile(ctx, root); err == nil {
				batch = []Policy{*p}
			}
		}
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", root, err)
		}

		for _, p := range batch {
			if first, ok := origin[p.Name]; ok {
				return nil, fmt.Errorf("policy %s defined in both %s and %s", p.Name, first, p.Source())
			}
			origin[p.Name] = p.Source()
		}
		out = append(out, batch...)
	}

	l.logger.Debug().Int("policies", len(out)).Strs("paths", paths).Msg("User policies loaded")
	return out, nil
}

// loadFromDirectory walks a directory for policy files. A file that does not
// decode is skipped with a warning; the result is ordered by policy name.
func (l *Loader) loadFromDirectory(ctx context.Context, dir string) ([]Policy, error) {
	var found []Policy
	walk := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := decoders[filepath.Ext(path)]; !ok {
			return nil
		}
		p, err := l.loadFromFile(ctx, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
			return nil
		}
		found = append(found, *p)
		return nil
	}
	if err := filepath.WalkDir(dir, walk); err != nil {
		return nil, err
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	return found, nil
}

// loadFromFile decodes one policy file, consulting the cache first.
func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	l.mu.Lock()
	hit := l.cache[path]
	l.mu.Unlock()
	if hit != nil {
		return hit, nil
	}

	ext := filepath.Ext(path)
	decode, ok := decoders[ext]
	if !ok {
		return nil, fmt.Errorf("%s: not a policy file (want .rego or .json)", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := decode(strings.TrimSuffix(filepath.Base(path), ext), data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.Builtin = false
	if p.Metadata == nil {
		p.Metadata = make(map[string]interface{})
	}
	p.Metadata["source"] = path

	l.mu.Lock()
	l.cache[path] = p
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Decoded policy file")
	return p, nil
}

// ClearCache drops every decoded file so the next load reads from disk.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*Policy)
	l.mu.Unlock()
}

// decodeRego wraps a bare module. The leading comment block becomes the
// description.
func decodeRego(fallback string, data []byte) (*Policy, error) {
	src := string(data)
	return &Policy{
		Name:        fallback,
		Description: extractDescription(src),
		Rego:        src,
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{},
	}, nil
}

// decodeJSON reads a full policy definition. Only the rego source is
// required.
func decodeJSON(fallback string, data []byte) (*Policy, error) {
	p := &Policy{Enabled: true}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("invalid policy JSON: %w", err)
	}
	if p.Name == "" {
		p.Name = fallback
	}
	if strings.TrimSpace(p.Rego) == "" {
		return nil, fmt.Errorf("policy %s has no rego source", p.Name)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	return p, nil
}

// extractDescription joins the comment lines that open a module, skipping
// blank lines before them and stopping at the first line of code.
func extractDescription(src string) string {
	var words []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		text, isComment := strings.CutPrefix(line, "#")
		if !isComment {
			if line != "" && len(words) > 0 {
				break
			}
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" || strings.HasPrefix(text, "package") {
			continue
		}
		words = append(words, text)
	}
	return strings.Join(words, " ")
}
