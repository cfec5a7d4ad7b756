package tool

import (
	"fmt"

	"github.com/probeops/warden/internal/config"
	"github.com/probeops/warden/pkg/api"
)

// Invocation is the concrete command line produced from a task.
type Invocation struct {
	Binary string
	Args   []string
	// ArtifactPath, when non-empty, names a file the tool is expected to
	// produce during the run. It is collected after the process exits.
	ArtifactPath string
}

// Adapter maps one tool kind to an executable command line and back from
// raw output to normalized findings. Adapters are stateless; argument
// shaping must be pure.
type Adapter interface {
	Kind() api.Kind
	Binary() string
	VersionArg() string
	// Command builds the invocation for a task. Task args stay opaque
	// beyond the shaping the tool itself requires.
	Command(t api.TaskSpec, workDir string) Invocation
	// Parse extracts structured findings from the captured output streams.
	Parse(stdout, stderr string) []api.Finding
}

// Registry holds the closed set of adapters, keyed by kind.
type Registry struct {
	adapters map[api.Kind]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[api.Kind]Adapter{}}
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Kind()] = a
}

func (r *Registry) Get(kind api.Kind) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("tool not registered: %s", kind)
	}
	return a, nil
}

func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, k := range []api.Kind{api.KindScan, api.KindFuzz, api.KindCapture} {
		if a, ok := r.adapters[k]; ok {
			out = append(out, a)
		}
	}
	return out
}

// FromConfig builds the registry for the configured binaries.
func FromConfig(cfg config.ToolsConfig) *Registry {
	r := NewRegistry()
	r.Register(&Scanner{Bin: cfg.Scan.Binary, VerArg: cfg.Scan.VersionArg})
	r.Register(&Fuzzer{Bin: cfg.Fuzz.Binary, VerArg: cfg.Fuzz.VersionArg})
	r.Register(&Capture{Bin: cfg.Capture.Binary, VerArg: cfg.Capture.VersionArg})
	return r
}
