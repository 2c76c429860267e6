// Package discovery turns a directory of backend checkouts into mcpmgr
// backend descriptors. Each immediate subdirectory is classified by the
// files it contains (an executable, Python markers, or a package.json),
// optionally refined by a bridge.toml manifest, and prepared by its setup
// script before it is handed to the manager.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-bridge-go/pkg/mcpmgr"
)

// NameSeparator may not appear in backend names; it joins backend and tool
// names in the aggregated catalog.
const NameSeparator = "__"

var (
	// ErrNoLaunchMarker is reported for directories that look like no known
	// runtime.
	ErrNoLaunchMarker = errors.New("discovery: no launch marker found")
	ErrDisabled       = errors.New("discovery: disabled by manifest")
	ErrInvalidName    = errors.New("discovery: invalid backend name")
	ErrDuplicateName  = errors.New("discovery: duplicate backend name")
)

// Options controls discovery.
type Options struct {
	// Dir is the servers directory whose subdirectories are candidates.
	Dir string
	// Python is the interpreter used when a backend has no virtualenv.
	Python string
	// Node is the node binary.
	Node string
	// RunSetup runs each backend's setup script before accepting it.
	RunSetup bool
	// SetupTimeout bounds each setup script.
	SetupTimeout time.Duration
	// PassEnv lists glob patterns of gateway environment variables handed to
	// setup scripts. Empty passes the whole environment.
	PassEnv []string
	// Concurrency limits how many candidates are processed at once.
	Concurrency int
	// Environ overrides os.Environ.
	Environ func() []string
	Logger  *slog.Logger
}

const (
	defaultSetupTimeout = 5 * time.Minute
	defaultConcurrency  = 4
)

func (o Options) withDefaults() Options {
	if o.Python == "" {
		o.Python = "python3"
	}
	if o.Node == "" {
		o.Node = "node"
	}
	if o.SetupTimeout <= 0 {
		o.SetupTimeout = defaultSetupTimeout
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	if o.Environ == nil {
		o.Environ = os.Environ
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Exclusion records a candidate that did not become a backend.
type Exclusion struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Err  error  `json:"-"`
	// Reason is Err rendered for display.
	Reason string `json:"reason"`
}

// Result is the outcome of Discover.
type Result struct {
	// Backends are sorted by name.
	Backends []*mcpmgr.Backend
	Excluded []Exclusion
}

type candidate struct {
	dir     string
	backend *mcpmgr.Backend
	err     error
}

// Discover classifies every subdirectory of opts.Dir. A candidate that fails
// classification or setup is excluded without affecting the others; only an
// unreadable servers directory is an error.
func Discover(ctx context.Context, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	if abs, err := filepath.Abs(opts.Dir); err == nil {
		opts.Dir = abs
	}
	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("discovery: read servers dir: %w", err)
	}

	var dirs []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") || strings.HasPrefix(entry.Name(), "_") {
			continue
		}
		path := filepath.Join(opts.Dir, entry.Name())
		// Stat follows symlinked checkouts.
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			continue
		}
		dirs = append(dirs, path)
	}

	candidates := make([]candidate, len(dirs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, dir := range dirs {
		g.Go(func() error {
			b, err := Classify(dir, opts)
			if err == nil && opts.RunSetup && b.SetupScript != "" {
				err = RunSetup(gctx, b, opts)
			}
			candidates[i] = candidate{dir: dir, backend: b, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{}
	seen := make(map[string]string)
	for _, c := range candidates {
		name := filepath.Base(c.dir)
		if c.backend != nil {
			name = c.backend.Name
		}
		err := c.err
		if err == nil {
			if prev, dup := seen[name]; dup {
				err = fmt.Errorf("%w: %q also used by %s", ErrDuplicateName, name, prev)
			}
		}
		if err != nil {
			opts.Logger.Warn("backend excluded", "backend", name, "path", c.dir, "error", err)
			res.Excluded = append(res.Excluded, Exclusion{Name: name, Path: c.dir, Err: err, Reason: err.Error()})
			continue
		}
		seen[name] = c.dir
		res.Backends = append(res.Backends, c.backend)
	}
	sort.Slice(res.Backends, func(i, j int) bool { return res.Backends[i].Name < res.Backends[j].Name })
	return res, nil
}

// ValidateName reports whether name can be used as a backend name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case strings.Contains(name, NameSeparator):
		return fmt.Errorf("%w: %q contains %q", ErrInvalidName, name, NameSeparator)
	case strings.ContainsAny(name, "/\\ \t\n"):
		return fmt.Errorf("%w: %q contains a separator or whitespace", ErrInvalidName, name)
	}
	return nil
}

// Classify builds a backend descriptor for one directory. The directory name
// is the backend name unless the manifest overrides it.
func Classify(dir string, opts Options) (*mcpmgr.Backend, error) {
	opts = opts.withDefaults()
	manifest, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(dir)
	if manifest != nil && manifest.Name != "" {
		name = manifest.Name
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if manifest != nil && manifest.Disabled {
		return nil, ErrDisabled
	}

	launch, err := classifyLaunch(dir, filepath.Base(dir), manifest, opts)
	if err != nil {
		return nil, err
	}
	b := &mcpmgr.Backend{
		Name:   name,
		Root:   dir,
		Launch: launch,
	}
	if manifest != nil {
		if manifest.SingleInstance != nil {
			b.SingleInstance = *manifest.SingleInstance
		}
		b.MaxInstances = manifest.MaxInstances
		b.CallTimeout, _ = manifest.callTimeout()
		if len(manifest.Env) > 0 {
			b.Env = make(map[string]string, len(manifest.Env))
			for k, v := range manifest.Env {
				b.Env[k] = v
			}
		}
	}
	b.SetupScript = findSetupScript(dir, manifest)
	return b, nil
}

func classifyLaunch(dir, base string, m *Manifest, opts Options) (mcpmgr.LaunchSpec, error) {
	var args []string
	runtime := ""
	if m != nil {
		args = append(args, m.Args...)
		runtime = m.Runtime
		if m.Command != "" && runtime == "" {
			runtime = string(mcpmgr.RuntimeBinary)
		}
	}

	switch mcpmgr.Runtime(runtime) {
	case mcpmgr.RuntimeBinary:
		path := ""
		if m != nil && m.Command != "" {
			path = resolveCommand(dir, m.Command)
		} else if path = findExecutable(dir, base); path == "" {
			return nil, fmt.Errorf("%w: runtime binary but no executable named %q", ErrNoLaunchMarker, base)
		}
		return &mcpmgr.BinaryLaunch{Path: path, Args: args}, nil
	case mcpmgr.RuntimePython:
		return pythonLaunch(dir, base, m, args, opts)
	case mcpmgr.RuntimeNode:
		return nodeLaunch(dir, m, args, opts)
	case "":
	default:
		return nil, fmt.Errorf("discovery: unknown runtime %q", runtime)
	}

	if path := findExecutable(dir, base); path != "" {
		return &mcpmgr.BinaryLaunch{Path: path, Args: args}, nil
	}
	if hasPythonMarker(dir, base) {
		return pythonLaunch(dir, base, m, args, opts)
	}
	if isFile(filepath.Join(dir, "package.json")) {
		return nodeLaunch(dir, m, args, opts)
	}
	return nil, ErrNoLaunchMarker
}

// resolveCommand keeps bare command names for PATH lookup and anchors
// relative paths at the backend root.
func resolveCommand(dir, command string) string {
	if filepath.IsAbs(command) || !strings.ContainsAny(command, `/\`) {
		return command
	}
	return filepath.Join(dir, command)
}

func findExecutable(dir, base string) string {
	for _, path := range []string{filepath.Join(dir, base), filepath.Join(dir, "bin", base)} {
		if isExecutable(path) {
			return path
		}
	}
	return ""
}

var pythonMarkers = []string{"pyproject.toml", "setup.py", "requirements.txt"}

func pythonEntries(base string) []string {
	return []string{"server.py", "main.py", "__main__.py", base + ".py"}
}

func hasPythonMarker(dir, base string) bool {
	for _, name := range append(pythonEntries(base), pythonMarkers...) {
		if isFile(filepath.Join(dir, name)) {
			return true
		}
	}
	return false
}

func pythonLaunch(dir, base string, m *Manifest, args []string, opts Options) (mcpmgr.LaunchSpec, error) {
	launch := &mcpmgr.PythonLaunch{
		Interpreter: findVirtualenvPython(dir),
		Args:        args,
	}
	if launch.Interpreter == "" {
		launch.Interpreter = opts.Python
	}
	if m != nil && m.Command != "" {
		launch.Interpreter = resolveCommand(dir, m.Command)
	}
	if m != nil && m.Entry != "" {
		launch.Script = m.Entry
		return launch, nil
	}
	for _, entry := range pythonEntries(base) {
		if isFile(filepath.Join(dir, entry)) {
			launch.Script = entry
			return launch, nil
		}
	}
	launch.Module = pythonModule(dir, base)
	return launch, nil
}

func pythonModule(dir, base string) string {
	name := base
	if p, err := readPyproject(dir); err == nil {
		switch {
		case p.Project.Name != "":
			name = p.Project.Name
		case p.Tool.Poetry.Name != "":
			name = p.Tool.Poetry.Name
		}
	}
	return strings.NewReplacer("-", "_", ".", "_").Replace(name)
}

// findVirtualenvPython returns an in-tree virtualenv interpreter, preferring
// the conventional names over any other dot-venv directory.
func findVirtualenvPython(dir string) string {
	for _, venv := range []string{".venv", "venv"} {
		if p := filepath.Join(dir, venv, "bin", "python"); isExecutable(p) {
			return p
		}
	}
	matches, _ := filepath.Glob(filepath.Join(dir, ".*venv", "bin", "python"))
	sort.Strings(matches)
	for _, p := range matches {
		if isExecutable(p) {
			return p
		}
	}
	return ""
}

type packageJSON struct {
	Main string          `json:"main"`
	Bin  json.RawMessage `json:"bin"`
}

var nodeConventionalEntries = []string{"index.js", "dist/index.js", "build/index.js", "server.js"}

func nodeLaunch(dir string, m *Manifest, args []string, opts Options) (mcpmgr.LaunchSpec, error) {
	launch := &mcpmgr.NodeLaunch{Node: opts.Node, Args: args}
	if m != nil && m.Command != "" {
		launch.Node = resolveCommand(dir, m.Command)
	}
	if m != nil && m.Entry != "" {
		launch.Entry = m.Entry
		return launch, nil
	}
	entry, err := nodeEntry(dir)
	if err != nil {
		return nil, err
	}
	launch.Entry = entry
	return launch, nil
}

func nodeEntry(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return "", err
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return "", fmt.Errorf("discovery: parse package.json: %w", err)
	}
	if len(pkg.Bin) > 0 {
		var single string
		if json.Unmarshal(pkg.Bin, &single) == nil && single != "" {
			return filepath.Clean(single), nil
		}
		var named map[string]string
		if json.Unmarshal(pkg.Bin, &named) == nil && len(named) > 0 {
			keys := make([]string, 0, len(named))
			for k := range named {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			return filepath.Clean(named[keys[0]]), nil
		}
	}
	if pkg.Main != "" {
		return filepath.Clean(pkg.Main), nil
	}
	for _, entry := range nodeConventionalEntries {
		if isFile(filepath.Join(dir, entry)) {
			return entry, nil
		}
	}
	return "", fmt.Errorf("%w: package.json has no bin or main and no conventional entry exists", ErrNoLaunchMarker)
}

// SetupCandidates are the setup script locations tried in order.
var SetupCandidates = []string{"setup.sh", "bootstrap.sh", "install.sh", "scripts/setup.sh"}

func findSetupScript(dir string, m *Manifest) string {
	if m != nil && m.Setup != "" {
		path := m.Setup
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		if isExecutable(path) {
			return path
		}
		return ""
	}
	for _, name := range SetupCandidates {
		if path := filepath.Join(dir, name); isExecutable(path) {
			return path
		}
	}
	return ""
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

// Summaries renders backends for display, e.g. by the backends subcommand.
func Summaries(backends []*mcpmgr.Backend) []Summary {
	out := make([]Summary, 0, len(backends))
	for _, b := range backends {
		name, args := b.Launch.Command()
		out = append(out, Summary{
			Name:           b.Name,
			Root:           b.Root,
			Runtime:        mcpmgr.RuntimeOf(b.Launch),
			Command:        append([]string{name}, args...),
			SingleInstance: b.SingleInstance,
			MaxInstances:   b.MaxInstances,
			SetupScript:    b.SetupScript,
		})
	}
	return out
}

// Summary is a display form of a discovered backend.
type Summary struct {
	Name           string         `json:"name"`
	Root           string         `json:"root"`
	Runtime        mcpmgr.Runtime `json:"runtime"`
	Command        []string       `json:"command"`
	SingleInstance bool           `json:"singleInstance"`
	MaxInstances   int            `json:"maxInstances,omitempty"`
	SetupScript    string         `json:"setupScript,omitempty"`
}
