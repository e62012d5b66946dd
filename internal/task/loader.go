package task

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

var (
	ErrNoScript          = errors.New("no script path given")
	ErrScriptNotFound    = errors.New("script not found")
	ErrInvalidDefinition = errors.New("invalid task definition")
	ErrUnknownTask       = errors.New("unknown task kind")
)

// Loader turns a script path into a runnable Task.
type Loader interface {
	Load(path string) (Task, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(path string) (Task, error)

func (f LoaderFunc) Load(path string) (Task, error) { return f(path) }

// Definition is the YAML document found at a script path:
//
//	task: checksum
//	args:
//	  data: "hello"
type Definition struct {
	Path     string
	Kind     string
	Checksum string // BLAKE3 of the file, hex
	args     yaml.Node
}

type definitionDoc struct {
	Task string    `yaml:"task"`
	Args yaml.Node `yaml:"args"`
}

// DecodeArgs decodes the args block into v. A missing block leaves v untouched.
func (d *Definition) DecodeArgs(v any) error {
	if d.args.Kind == 0 {
		return nil
	}
	if err := d.args.Decode(v); err != nil {
		return fmt.Errorf("decode args for %q: %w", d.Kind, err)
	}
	return nil
}

// ParseDefinition reads and validates the definition at path.
func ParseDefinition(path string) (*Definition, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrNoScript
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: no script found at '%s' (be sure to provide the full path to the script)", ErrScriptNotFound, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script '%s': %w", path, err)
	}

	var doc definitionDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: script '%s' contains a parse error: %v", ErrInvalidDefinition, path, err)
	}

	kind := strings.TrimSpace(doc.Task)
	if kind == "" {
		return nil, fmt.Errorf("%w: script '%s' is missing required field: task", ErrInvalidDefinition, path)
	}

	sum := blake3.Sum256(data)
	return &Definition{
		Path:     path,
		Kind:     kind,
		Checksum: hex.EncodeToString(sum[:]),
		args:     doc.Args,
	}, nil
}

// Factory builds a Task from its definition.
type Factory func(def *Definition) (Task, error)

// Registry maps task kinds to factories. Worker binaries register the kinds
// they can execute.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for kind.
func (r *Registry) Register(kind string, f Factory) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return fmt.Errorf("task kind is empty")
	}
	if f == nil {
		return fmt.Errorf("task kind %q has nil factory", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("task kind %q already registered", kind)
	}
	r.factories[kind] = f
	return nil
}

// MustRegister is Register for package initialization.
func (r *Registry) MustRegister(kind string, f Factory) {
	if err := r.Register(kind, f); err != nil {
		panic(err)
	}
}

// Lookup returns the factory for kind.
func (r *Registry) Lookup(kind string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind]
	return f, ok
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// DefinitionLoader loads YAML definitions and resolves them in a Registry.
type DefinitionLoader struct {
	Registry *Registry
}

// NewDefinitionLoader creates a loader backed by reg.
func NewDefinitionLoader(reg *Registry) *DefinitionLoader {
	return &DefinitionLoader{Registry: reg}
}

func (l *DefinitionLoader) Load(path string) (Task, error) {
	def, err := ParseDefinition(path)
	if err != nil {
		return nil, err
	}

	factory, ok := l.Registry.Lookup(def.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: script '%s' requires task %q which this worker does not provide", ErrUnknownTask, path, def.Kind)
	}

	t, err := factory(def)
	if err != nil {
		return nil, fmt.Errorf("script '%s' could not build task %q: %w", path, def.Kind, err)
	}
	if t == nil {
		return nil, fmt.Errorf("%w: script '%s' did not produce a task", ErrInvalidDefinition, path)
	}
	return t, nil
}

// Script is the parent-side view of a task: the path of its definition. Run
// loads it in-process through Loader, which lets the same definition be
// executed without a worker.
type Script struct {
	Path   string
	Loader Loader
}

func (s Script) Run(ctx context.Context, env Env) (any, error) {
	if s.Loader == nil {
		return nil, fmt.Errorf("script '%s' has no loader", s.Path)
	}
	t, err := s.Loader.Load(s.Path)
	if err != nil {
		return nil, err
	}
	return Resolve(ctx, t, env)
}
