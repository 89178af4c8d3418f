package resolution

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed tables.yaml
var builtinTables []byte

// Tables holds the fabricated values reported under the alternate profile and
// the stock defaults of input bindings.
type Tables struct {
	mu         sync.RWMutex
	fabricated map[string]string
	defaults   map[string]string
}

type tablesFile struct {
	Fabricated map[string]string `yaml:"fabricated"`
	Defaults   map[string]string `yaml:"defaults"`
}

// ParseTables decodes a tables document.
func ParseTables(data []byte) (*Tables, error) {
	var f tablesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing resolution tables: %w", err)
	}
	t := &Tables{fabricated: f.Fabricated, defaults: f.Defaults}
	if t.fabricated == nil {
		t.fabricated = make(map[string]string)
	}
	if t.defaults == nil {
		t.defaults = make(map[string]string)
	}
	return t, nil
}

// DefaultTables returns a fresh copy of the built-in tables.
func DefaultTables() *Tables {
	t, err := ParseTables(builtinTables)
	if err != nil {
		panic(err)
	}
	return t
}

// Fabricated returns the value the alternate loader would report for key.
func (t *Tables) Fabricated(key string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.fabricated[key]
	return v, ok
}

// Default returns the stock value of the binding name.
func (t *Tables) Default(name string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.defaults[name]
	return v, ok
}

// SetDefault records the stock value of a binding, replacing any built-in
// entry. Hosts call it with the defaults of the running client.
func (t *Tables) SetDefault(name, value string) {
	t.mu.Lock()
	t.defaults[name] = value
	t.mu.Unlock()
}

// Len returns the sizes of the fabricated and default tables.
func (t *Tables) Len() (fabricated, defaults int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.fabricated), len(t.defaults)
}
