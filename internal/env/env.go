// Package env composes the variable set used to expand ${VAR} references in
// configuration values.
package env

import (
	"os"
	"path/filepath"
	"strings"
)

type Var map[string]string

type Env struct {
	Var Var // explicit variables, highest precedence
	env Var // base from the OS environment, when enabled
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base layer.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := split(kv); ok {
			base[k] = v
		}
	}
	e.env = base
}

func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetPairs applies "K=V" entries. Malformed entries are skipped.
func (e *Env) SetPairs(pairs []string) {
	for _, kv := range pairs {
		if k, v, ok := split(kv); ok {
			e.Set(k, v)
		}
	}
}

// LoadFile applies a .env file of KEY=VALUE lines. Blank lines and lines
// starting with # are ignored.
func (e *Env) LoadFile(path string) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := split(line); ok {
			e.Set(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}
	return nil
}

// Lookup resolves k against explicit variables, then the OS base.
func (e *Env) Lookup(k string) (string, bool) {
	if v, ok := e.Var[k]; ok {
		return v, true
	}
	v, ok := e.env[k]
	return v, ok
}

// Expand replaces ${VAR} and $VAR references. Unknown variables are left
// in place so a typo stays visible in the expanded value.
func (e *Env) Expand(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := e.Lookup(k); ok {
			return v
		}
		return "${" + k + "}"
	})
}

func split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}
