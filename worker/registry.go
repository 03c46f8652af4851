package worker

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kballard/go-shellquote"

	"github.com/teranos/cadence/errors"
)

// SourceSpec is the declarative form of a worker source, as found in the
// [workers.sources.<name>] config tables or a standalone workers.toml.
type SourceSpec struct {
	Command        string            `toml:"command"`
	TimeoutSeconds int               `toml:"timeout_seconds"`
	Dir            string            `toml:"dir"`
	Env            map[string]string `toml:"env"`
}

// Source is a resolved, ready-to-spawn worker
type Source struct {
	Name    string
	Argv    []string
	Timeout time.Duration // zero means use the caller's timeout
	Dir     string
	Env     map[string]string
}

// Registry maps schedule sources to worker commands. Source names match
// case-insensitively: config loading lowercases table keys, so
// "ConstructionWire" and "constructionwire" name the same source.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register adds or replaces a source. The command line is split with shell
// quoting rules; it is never run through a shell.
func (r *Registry) Register(name string, spec SourceSpec) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.NewInvalidRequestError("worker source name cannot be empty")
	}

	argv, err := shellquote.Split(spec.Command)
	if err != nil {
		return errors.Wrapf(err, "parse command for worker source %s", name)
	}
	if len(argv) == 0 {
		return errors.NewInvalidRequestError("worker source %s has an empty command", name)
	}
	if spec.TimeoutSeconds < 0 {
		return errors.NewInvalidRequestError("worker source %s has negative timeout %d", name, spec.TimeoutSeconds)
	}

	src := Source{
		Name:    name,
		Argv:    argv,
		Timeout: time.Duration(spec.TimeoutSeconds) * time.Second,
		Dir:     spec.Dir,
		Env:     spec.Env,
	}

	r.mu.Lock()
	r.sources[sourceKey(name)] = src
	r.mu.Unlock()
	return nil
}

// RegisterAll registers every spec, stopping at the first invalid one
func (r *Registry) RegisterAll(specs map[string]SourceSpec) error {
	for _, name := range sortedKeys(specs) {
		if err := r.Register(name, specs[name]); err != nil {
			return err
		}
	}
	return nil
}

type registryFile struct {
	Sources map[string]SourceSpec `toml:"sources"`
}

// LoadFile registers the [sources.<name>] tables of a standalone workers.toml.
// Entries override sources of the same name already registered.
func (r *Registry) LoadFile(path string) (int, error) {
	var f registryFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return 0, errors.WithHint(
			errors.Wrapf(err, "failed to read worker registry %s", path),
			"expected [sources.<name>] tables with a command key")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return 0, errors.NewInvalidRequestError("unknown keys in worker registry %s: %s", path, strings.Join(keys, ", "))
	}
	if err := r.RegisterAll(f.Sources); err != nil {
		return 0, err
	}
	return len(f.Sources), nil
}

// Lookup resolves a source. Unmapped sources return ErrUnknownSource.
func (r *Registry) Lookup(name string) (Source, error) {
	r.mu.RLock()
	src, ok := r.sources[sourceKey(name)]
	r.mu.RUnlock()
	if !ok {
		return Source{}, errors.Mark(
			errors.Newf("no worker registered for source %q", name),
			errors.ErrUnknownSource)
	}
	return src, nil
}

func sourceKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Names lists registered sources, folded to lower case, in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.sources)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
