package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// sizeProperties hold byte quantities that ZFS prints in several spellings.
var sizeProperties = map[string]bool{
	"recordsize":           true,
	"volblocksize":         true,
	"quota":                true,
	"refquota":             true,
	"reservation":          true,
	"refreservation":       true,
	"special_small_blocks": true,
}

// onOffProperties only accept on/off (plus property specific extras).
var onOffProperties = map[string]bool{
	"atime":    true,
	"relatime": true,
	"readonly": true,
	"exec":     true,
	"setuid":   true,
	"devices":  true,
	"canmount": true,
	"overlay":  true,
	"dedup":    true,
}

// caseInsensitive properties are lowercased; ZFS rejects mixed-case enum values.
var caseInsensitive = map[string]bool{
	"compression":        true,
	"atime":              true,
	"relatime":           true,
	"sync":               true,
	"primarycache":       true,
	"secondarycache":     true,
	"xattr":              true,
	"acltype":            true,
	"aclinherit":         true,
	"logbias":            true,
	"redundant_metadata": true,
	"dnodesize":          true,
	"snapdir":            true,
	"casesensitivity":    true,
	"checksum":           true,
	"dedup":              true,
	"canmount":           true,
	"readonly":           true,
	"exec":               true,
	"setuid":             true,
	"devices":            true,
	"overlay":            true,
}

// NormalizeProperty turns a document or backend value into the canonical
// string form handed to backends. Booleans never survive this step.
func NormalizeProperty(key string, raw any) (string, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	var value string

	switch v := raw.(type) {
	case nil:
		return "", fmt.Errorf("property %s has no value", key)
	case bool:
		if v {
			value = "on"
		} else {
			value = "off"
		}
	case int:
		value = strconv.Itoa(v)
	case int64:
		value = strconv.FormatInt(v, 10)
	case uint64:
		value = strconv.FormatUint(v, 10)
	case float64:
		if v != math.Trunc(v) {
			return "", fmt.Errorf("property %s: non-integer value %v", key, v)
		}
		value = strconv.FormatInt(int64(v), 10)
	case string:
		value = strings.TrimSpace(v)
	default:
		return "", fmt.Errorf("property %s: unsupported value type %T", key, raw)
	}

	if value == "" {
		return "", fmt.Errorf("property %s has an empty value", key)
	}

	if caseInsensitive[key] {
		value = strings.ToLower(value)
	}

	// YAML 1.1 style tokens that slipped through as strings.
	if onOffProperties[key] {
		switch value {
		case "true", "yes", "1":
			value = "on"
		case "false", "no", "0":
			value = "off"
		}
	}

	if sizeProperties[key] {
		return normalizeSize(key, value)
	}

	return value, nil
}

// NormalizeProperties normalizes a whole property map.
func NormalizeProperties(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		nv, err := NormalizeProperty(k, v)
		if err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(k))] = nv
	}
	return out, nil
}

var sizeUnits = []struct {
	suffix string
	shift  uint
}{
	{"E", 60}, {"P", 50}, {"T", 40}, {"G", 30}, {"M", 20}, {"K", 10},
}

// normalizeSize renders a byte quantity with the largest exact binary unit.
func normalizeSize(key, value string) (string, error) {
	switch strings.ToLower(value) {
	case "none", "-", "0", "auto":
		return strings.ToLower(value), nil
	}

	bytes, err := parseSize(value)
	if err != nil {
		return "", fmt.Errorf("property %s: %w", key, err)
	}

	for _, u := range sizeUnits {
		unit := uint64(1) << u.shift
		if bytes >= unit && bytes%unit == 0 {
			return strconv.FormatUint(bytes/unit, 10) + u.suffix, nil
		}
	}
	return strconv.FormatUint(bytes, 10), nil
}

func parseSize(value string) (uint64, error) {
	v := strings.ToUpper(strings.TrimSpace(value))
	v = strings.TrimSuffix(v, "IB")
	v = strings.TrimSuffix(v, "B")

	var shift uint
	for _, u := range sizeUnits {
		if strings.HasSuffix(v, u.suffix) {
			shift = u.shift
			v = strings.TrimSuffix(v, u.suffix)
			break
		}
	}

	if strings.Contains(v, ".") {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return 0, fmt.Errorf("invalid size %q", value)
		}
		return uint64(f * float64(uint64(1)<<shift)), nil
	}

	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", value)
	}
	return n << shift, nil
}

// PropertiesEqual compares only the keys that desired manages.
func PropertiesEqual(desired, observed map[string]string) bool {
	return len(PropertyChanges(desired, observed)) == 0
}

// PropertyChanges lists managed keys whose observed value differs.
func PropertyChanges(desired, observed map[string]string) []Change {
	var changes []Change
	for _, k := range sortedKeys(desired) {
		want := desired[k]
		got, ok := observed[k]
		if !ok {
			changes = append(changes, Change{Path: "properties." + k, After: want, Action: ChangeActionAdd})
			continue
		}
		if got != want {
			changes = append(changes, Change{Path: "properties." + k, Before: got, After: want, Action: ChangeActionModify})
		}
	}
	return changes
}
