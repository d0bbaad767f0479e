package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"treasuryd/signer"
)

// Pool names form a closed set; each maps to its own remotely held key.
const (
	PoolConsumer  = "consumer"
	PoolAffiliate = "affiliate"
	PoolWholesale = "wholesale"
)

// KnownPools lists every valid pool name.
var KnownPools = []string{PoolConsumer, PoolAffiliate, PoolWholesale}

type poolEntry struct {
	Pool string `yaml:"pool"`
	Key  string `yaml:"key"`
}

// LoadPools reads the pool-name to key-version map from the YAML sidecar.
// Every known pool must be present; unknown names and duplicates fail.
func LoadPools(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pool keys: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	var entries []poolEntry
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode pool keys: %w", err)
	}
	pools := make(map[string]string, len(entries))
	for _, entry := range entries {
		name := strings.ToLower(strings.TrimSpace(entry.Pool))
		if !isKnownPool(name) {
			return nil, fmt.Errorf("unknown pool %q in %s", entry.Pool, path)
		}
		if _, exists := pools[name]; exists {
			return nil, fmt.Errorf("duplicate pool %q in %s", name, path)
		}
		key := strings.TrimSpace(entry.Key)
		if err := signer.ValidateKeyPath(key); err != nil {
			return nil, fmt.Errorf("pool %s: %w", name, err)
		}
		pools[name] = key
	}
	for _, name := range KnownPools {
		if _, ok := pools[name]; !ok {
			return nil, fmt.Errorf("pool %s missing from %s", name, path)
		}
	}
	return pools, nil
}

func isKnownPool(name string) bool {
	for _, known := range KnownPools {
		if name == known {
			return true
		}
	}
	return false
}
