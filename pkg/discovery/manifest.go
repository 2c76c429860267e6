package discovery

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// ManifestFile is the optional per-backend manifest in a backend root.
const ManifestFile = "bridge.toml"

// Manifest overrides what classification infers for one backend.
type Manifest struct {
	// Name replaces the directory name as the backend name.
	Name     string `toml:"name"`
	Disabled bool   `toml:"disabled"`
	// Runtime forces the runtime kind: "binary", "python" or "node".
	Runtime        string            `toml:"runtime"`
	SingleInstance *bool             `toml:"single_instance"`
	MaxInstances   int               `toml:"max_instances"`
	CallTimeout    string            `toml:"call_timeout"`
	Command        string            `toml:"command"`
	Entry          string            `toml:"entry"`
	Args           []string          `toml:"args"`
	Env            map[string]string `toml:"env"`
	Setup          string            `toml:"setup"`
}

// LoadManifest reads dir/bridge.toml. A missing file yields a nil manifest
// and no error.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parse %s: unknown key %q", path, undecoded[0].String())
	}
	if m.MaxInstances < 0 {
		return nil, fmt.Errorf("parse %s: max_instances must not be negative", path)
	}
	if _, err := m.callTimeout(); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &m, nil
}

func (m *Manifest) callTimeout() (time.Duration, error) {
	if m == nil || m.CallTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(m.CallTimeout)
	if err != nil {
		return 0, fmt.Errorf("call_timeout: %w", err)
	}
	return d, nil
}

// pyproject is the subset of pyproject.toml used to derive a module name.
type pyproject struct {
	Project struct {
		Name    string            `toml:"name"`
		Scripts map[string]string `toml:"scripts"`
	} `toml:"project"`
	Tool struct {
		Poetry struct {
			Name string `toml:"name"`
		} `toml:"poetry"`
	} `toml:"tool"`
}

func readPyproject(dir string) (*pyproject, error) {
	var p pyproject
	if _, err := toml.DecodeFile(filepath.Join(dir, "pyproject.toml"), &p); err != nil {
		return nil, err
	}
	return &p, nil
}
