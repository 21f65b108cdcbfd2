package driver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when a (driverId, version) pair has no
// definition file.
var ErrNotFound = errors.New("driver not found")

// Ref identifies one published driver version.
type Ref struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// ParseRef splits an id@version reference. Version may be empty.
func ParseRef(ref string) (string, string) {
	if i := strings.LastIndex(ref, "@"); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}

// Registry loads driver definitions from a directory tree. Layout is
// <dir>/<id>/v<version>.yaml, with <dir>/<id>.yaml as a flat fallback.
// Composed drivers are cached per (id, version).
type Registry struct {
	Dir string

	mu    sync.RWMutex
	cache map[string]*Driver
}

func NewRegistry(dir string) *Registry {
	return &Registry{Dir: dir, cache: make(map[string]*Driver)}
}

// Load returns the composed, validated driver for id@version.
func (r *Registry) Load(id, version string) (*Driver, error) {
	return r.load(id, version, nil)
}

func (r *Registry) load(id, version string, visiting map[string]bool) (*Driver, error) {
	key := id + "@" + version
	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if visiting[key] {
		return nil, fmt.Errorf("driver %s: circular extends chain", key)
	}

	data, err := r.read(id, version)
	if err != nil {
		return nil, err
	}
	d, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if d.ID != id {
		return nil, fmt.Errorf("driver file for %s declares id %s", id, d.ID)
	}
	if version != "" && d.Version != version {
		return nil, fmt.Errorf("driver file for %s@%s declares version %s", id, version, d.Version)
	}

	if d.Extends != "" {
		baseID, baseVersion := ParseRef(d.Extends)
		if visiting == nil {
			visiting = map[string]bool{}
		}
		visiting[key] = true
		base, err := r.load(baseID, baseVersion, visiting)
		if err != nil {
			return nil, fmt.Errorf("driver %s extends %s: %w", key, d.Extends, err)
		}
		d = merge(base, d)
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = d
	r.mu.Unlock()
	return d, nil
}

func (r *Registry) read(id, version string) ([]byte, error) {
	if version != "" {
		data, err := os.ReadFile(r.versionedPath(id, version))
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	data, err := os.ReadFile(r.flatPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, id, version)
		}
		return nil, err
	}
	return data, nil
}

// Exists reports whether a definition file is present, without composing
// or validating it.
func (r *Registry) Exists(id, version string) bool {
	if version != "" {
		if _, err := os.Stat(r.versionedPath(id, version)); err == nil {
			return true
		}
	}
	_, err := os.Stat(r.flatPath(id))
	return err == nil
}

// List walks the registry directory and returns every published
// (id, version) pair.
func (r *Registry) List() ([]Ref, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var refs []Ref
	for _, entry := range entries {
		if entry.IsDir() {
			versions, err := os.ReadDir(filepath.Join(r.Dir, entry.Name()))
			if err != nil {
				return nil, err
			}
			for _, vf := range versions {
				name := vf.Name()
				if vf.IsDir() || !strings.HasSuffix(name, ".yaml") || !strings.HasPrefix(name, "v") {
					continue
				}
				refs = append(refs, Ref{ID: entry.Name(), Version: strings.TrimSuffix(strings.TrimPrefix(name, "v"), ".yaml")})
			}
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") {
			continue
		}
		d, err := Parse(mustRead(filepath.Join(r.Dir, name)))
		if err != nil {
			continue
		}
		refs = append(refs, Ref{ID: d.ID, Version: d.Version})
	}
	return refs, nil
}

// Write publishes a definition file after checking it parses and
// validates standalone. Existing versions are never overwritten.
func (r *Registry) Write(data []byte) (Ref, error) {
	d, err := Parse(data)
	if err != nil {
		return Ref{}, err
	}
	if d.Extends == "" {
		if err := d.Validate(); err != nil {
			return Ref{}, err
		}
	} else if d.ID == "" || d.Version == "" {
		return Ref{}, fmt.Errorf("driver id and version are required")
	}
	path := r.versionedPath(d.ID, d.Version)
	if _, err := os.Stat(path); err == nil {
		return Ref{}, fmt.Errorf("driver %s@%s already exists", d.ID, d.Version)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Ref{}, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Ref{}, err
	}
	return Ref{ID: d.ID, Version: d.Version}, nil
}

// Delete removes a published version and drops it from the cache.
func (r *Registry) Delete(id, version string) error {
	path := r.versionedPath(id, version)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s@%s", ErrNotFound, id, version)
		}
		return err
	}
	r.mu.Lock()
	delete(r.cache, id+"@"+version)
	r.mu.Unlock()
	return nil
}

func (r *Registry) versionedPath(id, version string) string {
	return filepath.Join(r.Dir, id, "v"+version+".yaml")
}

func (r *Registry) flatPath(id string) string {
	return filepath.Join(r.Dir, id+".yaml")
}

func mustRead(path string) []byte {
	data, _ := os.ReadFile(path)
	return data
}
