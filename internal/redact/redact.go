// Package redact scrubs credentials from log output: infrastructure
// passwords and keys, bearer tokens and connection strings.
package redact

import (
	"regexp"
	"strings"
	"sync"
)

// Value replaces every scrubbed secret.
const Value = "[REDACTED]"

// minValueLen keeps short literals like "on" or "1" from blanking logs.
const minValueLen = 6

var defaultKeys = []string{
	"password",
	"passwd",
	"token",
	"session_token",
	"private_key",
	"ssh_private_key",
	"client_secret",
	"secret_key",
	"access_key",
	"api_key",
	"proxy",
	"x509_proxy",
}

var bearerPattern = pattern{
	re:   regexp.MustCompile(`(?i)(\bbearer\s+)([A-Za-z0-9._~+/=-]+)`),
	repl: `$1` + Value,
}

type pattern struct {
	re   *regexp.Regexp
	repl string
}

// Redactor scrubs sensitive values and key/value pairs from log lines.
type Redactor struct {
	mu       sync.RWMutex
	keySet   map[string]struct{}
	keys     []string
	valSet   map[string]struct{}
	values   []string
	patterns []pattern
}

// New builds a redactor with the default keys plus extraKeys.
func New(extraKeys ...string) *Redactor {
	r := &Redactor{
		keySet: make(map[string]struct{}),
		valSet: make(map[string]struct{}),
	}
	r.AddKeys(defaultKeys...)
	r.AddKeys(extraKeys...)
	return r
}

// AddKeys registers additional sensitive keys.
func (r *Redactor) AddKeys(keys ...string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	for _, key := range keys {
		normalized := strings.ToLower(strings.TrimSpace(key))
		if normalized == "" {
			continue
		}
		if _, ok := r.keySet[normalized]; ok {
			continue
		}
		r.keySet[normalized] = struct{}{}
		r.keys = append(r.keys, normalized)
		changed = true
	}
	if changed {
		r.patterns = buildKeyPatterns(r.keys)
	}
}

// AddValues registers literal secrets, such as a database DSN, to be
// replaced wherever they appear.
func (r *Redactor) AddValues(values ...string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if len(trimmed) < minValueLen {
			continue
		}
		if _, ok := r.valSet[trimmed]; ok {
			continue
		}
		r.valSet[trimmed] = struct{}{}
		r.values = append(r.values, trimmed)
	}
}

// IsSensitiveKey reports whether a field named key is always scrubbed.
func (r *Redactor) IsSensitiveKey(key string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.keySet[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// Redact returns a scrubbed copy of input.
func (r *Redactor) Redact(input string) string {
	if r == nil || input == "" {
		return input
	}
	r.mu.RLock()
	values := append([]string(nil), r.values...)
	patterns := append([]pattern(nil), r.patterns...)
	r.mu.RUnlock()

	output := input
	for _, value := range values {
		output = strings.ReplaceAll(output, value, Value)
	}
	for _, p := range patterns {
		output = p.re.ReplaceAllString(output, p.repl)
	}
	return bearerPattern.re.ReplaceAllString(output, bearerPattern.repl)
}

func buildKeyPatterns(keys []string) []pattern {
	var patterns []pattern
	for _, key := range keys {
		escaped := regexp.QuoteMeta(key)
		patterns = append(patterns,
			pattern{
				re:   regexp.MustCompile(`(?i)("` + escaped + `"\s*:\s*")([^"]*)(")`),
				repl: `$1` + Value + `$3`,
			},
			pattern{
				re:   regexp.MustCompile(`(?i)(\b` + escaped + `\b\s*=\s*")([^"]*)(")`),
				repl: `$1` + Value + `$3`,
			},
			pattern{
				re:   regexp.MustCompile(`(?i)(\b` + escaped + `\b\s*=\s*')([^']*)(')`),
				repl: `$1` + Value + `$3`,
			},
			pattern{
				re:   regexp.MustCompile(`(?i)(\b` + escaped + `\b\s*=\s*)([^\s"']+)`),
				repl: `$1` + Value,
			},
			pattern{
				re:   regexp.MustCompile(`(?i)(\b` + escaped + `\b\s*:\s*)([^\s"']+)`),
				repl: `$1` + Value,
			},
		)
	}
	return patterns
}
