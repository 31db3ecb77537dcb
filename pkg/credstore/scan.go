package credstore

import (
	"fmt"
	"regexp"
	"strings"
)

// SecretWarning flags a config value that looks like an inlined secret.
type SecretWarning struct {
	Path   string // dotted path into the config map
	Reason string
}

// String describes the finding without reproducing the value.
func (w SecretWarning) String() string {
	return fmt.Sprintf("%s: %s", w.Path, w.Reason)
}

var (
	secretPrefixRe = regexp.MustCompile(`^(sk-|ghp_|gho_|github_pat_|xox[bapsa]-)`)
	base64Re       = regexp.MustCompile(`^[A-Za-z0-9+/]{40,}={0,2}$`)
	keyNameRe      = regexp.MustCompile(`(?i)(password|secret|token|api_key|key)`)
)

// ScanForSecretLiterals walks a decoded config tree and returns a warning
// for every value that looks like a real secret pasted into the file.
// URLs and file paths are excluded: they commonly match the key-name
// heuristic without being secrets.
func ScanForSecretLiterals(cfg map[string]any) []SecretWarning {
	var warnings []SecretWarning
	scanValue("", cfg, &warnings)
	return warnings
}

func scanValue(path string, v any, warnings *[]SecretWarning) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			scanValue(joinPath(path, k), child, warnings)
		}
	case []any:
		for i, child := range val {
			scanValue(fmt.Sprintf("%s[%d]", path, i), child, warnings)
		}
	case string:
		if reason, ok := looksLikeSecret(lastSegment(path), val); ok {
			*warnings = append(*warnings, SecretWarning{Path: path, Reason: reason})
		}
	}
}

func looksLikeSecret(key, value string) (string, bool) {
	if value == "" || isURLOrPath(value) {
		return "", false
	}
	if secretPrefixRe.MatchString(value) {
		return "value has a well-known secret prefix", true
	}
	if base64Re.MatchString(value) {
		return "value looks like long base64 material", true
	}
	if keyNameRe.MatchString(key) && len(value) >= 16 {
		return "secret-looking key with a long literal value", true
	}
	return "", false
}

func isURLOrPath(value string) bool {
	if strings.Contains(value, "://") {
		return true
	}
	return strings.HasPrefix(value, "/") ||
		strings.HasPrefix(value, "./") ||
		strings.HasPrefix(value, "~/")
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func lastSegment(path string) string {
	if idx := strings.LastIndexByte(path, '.'); idx >= 0 {
		return path[idx+1:]
	}
	return path
}
