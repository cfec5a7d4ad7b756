package tool

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/probeops/warden/pkg/api"
)

const versionProbeTimeout = 5 * time.Second

// Available reports whether the binary can be executed: either an explicit
// path to an executable file, or a name resolvable on PATH with any execute
// bit set.
func Available(binary string) bool {
	if strings.ContainsRune(binary, os.PathSeparator) {
		return executable(binary)
	}
	paths := os.Getenv("PATH")
	for _, dir := range filepath.SplitList(paths) {
		if dir == "" {
			continue
		}
		if executable(filepath.Join(dir, binary)) {
			return true
		}
	}
	return false
}

func executable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

// Version runs the binary with its version flag and returns the first
// output line. Tools commonly print the version banner on either stream.
func Version(ctx context.Context, binary, versionArg string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, binary, versionArg).CombinedOutput()
	if err != nil && len(out) == 0 {
		return "", err
	}
	line := strings.TrimSpace(string(out))
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line), nil
}

// Probe checks every registered adapter and returns the capability set to
// announce to the controller.
func Probe(ctx context.Context, reg *Registry) []api.Capability {
	var caps []api.Capability
	for _, a := range reg.All() {
		c := api.Capability{Tool: a.Kind(), Binary: a.Binary()}
		c.Available = Available(a.Binary())
		if c.Available && a.VersionArg() != "" {
			v, err := Version(ctx, a.Binary(), a.VersionArg())
			if err != nil {
				log.Debug().Err(err).Str("tool", string(a.Kind())).Msg("version probe failed")
			} else {
				c.Version = v
			}
		}
		caps = append(caps, c)
	}
	return caps
}
