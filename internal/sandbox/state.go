package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/zpdzap/redock/internal/address"
	"github.com/zpdzap/redock/internal/logging"
)

// Registry holds the record table and the base image. When created with a
// path it persists itself after every change; the engine stays
// authoritative, the file only serves listings between invocations.
type Registry struct {
	mu      sync.Mutex
	path    string
	records map[string]*Record
	base    *BaseImage
}

type registryFile struct {
	Sandboxes map[string]*Record `json:"sandboxes"`
	Base      *BaseImage         `json:"base,omitempty"`
}

// NewRegistry returns an empty in-memory registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// LoadRegistry reads the registry persisted at path. A missing file yields
// an empty registry that will be written to path.
func LoadRegistry(path string) (*Registry, error) {
	r := NewRegistry()
	r.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("reading state: %w", err)
	}

	var f registryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing state: %w", err)
	}
	if f.Sandboxes != nil {
		r.records = f.Sandboxes
	}
	r.base = f.Base
	return r, nil
}

// Get returns a copy of the record for addr.
func (r *Registry) Get(addr address.Address) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[addr.String()]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Put stores rec under its address.
func (r *Registry) Put(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.Address.String()] = &rec
	r.persistLocked()
}

// Delete discards the record for addr.
func (r *Registry) Delete(addr address.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[addr.String()]; !ok {
		return
	}
	delete(r.records, addr.String())
	r.persistLocked()
}

// List returns copies of all records sorted by address.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.String() < out[j].Address.String()
	})
	return out
}

// Base returns the bootstrapped base image, if known.
func (r *Registry) Base() (BaseImage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.base == nil {
		return BaseImage{}, false
	}
	return *r.base, true
}

// SetBase records the base image.
func (r *Registry) SetBase(b BaseImage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.base = &b
	r.persistLocked()
}

// ClearBase forgets a base image that no longer exists in the engine.
func (r *Registry) ClearBase() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.base = nil
	r.persistLocked()
}

func (r *Registry) persistLocked() {
	if r.path == "" {
		return
	}
	if err := r.saveLocked(); err != nil {
		logging.Warn("failed to save state", "path", r.path, "error", err)
	}
}

func (r *Registry) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	data, err := json.MarshalIndent(registryFile{Sandboxes: r.records, Base: r.base}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	return os.WriteFile(r.path, data, 0o644)
}
