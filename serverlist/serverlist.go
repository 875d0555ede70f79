// Package serverlist maintains the cached list of Electrum servers this
// wallet can connect through, persisted as a single JSON file the way the
// teacher's FileStore persists payment records.
package serverlist

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
)

// ServerEntry is one candidate Electrum server.
type ServerEntry struct {
	Host  string `json:"host"`
	Port  string `json:"port"`
	Proto string `json:"proto"` // "tcp" or "ssl"
}

// Registry is the in-memory, disk-backed set of known servers. Thread
// safety is a read-write mutex guarding the slice, matching FileStore's
// one-mutex-per-store shape.
type Registry struct {
	path string
	mu   sync.RWMutex
	list []ServerEntry
}

// Load reads the cached server list from <dataDir>/servers.json. A
// missing file is not an error — the registry simply starts empty, the
// same tolerance FileStore.GetPayment shows for a payment file that was
// never written.
func Load(dataDir string) (*Registry, error) {
	path := filepath.Join(dataDir, "servers.json")
	r := &Registry{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("serverlist: read %s: %w", path, err)
	}

	var list []ServerEntry
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("serverlist: parse %s: %w", path, err)
	}
	r.list = list
	return r, nil
}

// Pick selects uniformly at random from the cached server list.
func (r *Registry) Pick() (host, port, proto string, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.list) == 0 {
		return "", "", "", fmt.Errorf("serverlist: no servers available")
	}
	entry := r.list[rand.Intn(len(r.list))]
	return entry.Host, entry.Port, entry.Proto, nil
}

// Len reports how many servers are currently cached.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.list)
}

// Refresh replaces the cached list and persists it to disk at 0o600,
// mirroring FileStore.CreatePayment's marshal-then-write shape. Refresh is
// the seam an external server-list scraper calls into; fetching the list
// itself is out of scope here.
func (r *Registry) Refresh(entries []ServerEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("serverlist: marshal server list: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.WriteFile(r.path, data, 0o600); err != nil {
		return fmt.Errorf("serverlist: write %s: %w", r.path, err)
	}
	r.list = entries
	return nil
}
