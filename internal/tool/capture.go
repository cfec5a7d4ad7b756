package tool

import (
	"path/filepath"
	"regexp"

	"github.com/probeops/warden/pkg/api"
)

// Capture wraps a packet capture utility. The capture file is written under
// the agent work dir and delivered to the artifact drop after the run.
type Capture struct {
	Bin    string
	VerArg string
}

func (c *Capture) Kind() api.Kind     { return api.KindCapture }
func (c *Capture) Binary() string     { return c.Bin }
func (c *Capture) VersionArg() string { return c.VerArg }

// Command appends a -w <file> unless the controller already supplied one.
// The injected path keeps the artifact inside the work dir.
func (c *Capture) Command(t api.TaskSpec, workDir string) Invocation {
	inv := Invocation{Binary: c.Bin, Args: t.Args}
	for i, a := range t.Args {
		if a == "-w" && i+1 < len(t.Args) {
			inv.ArtifactPath = t.Args[i+1]
			return inv
		}
	}
	inv.ArtifactPath = filepath.Join(workDir, t.ID+".pcap")
	inv.Args = append(append([]string{}, t.Args...), "-w", inv.ArtifactPath)
	return inv
}

// packetsLine matches the tcpdump stderr summary "NN packets captured".
var packetsLine = regexp.MustCompile(`(\d+)\s+packets? captured`)

func (c *Capture) Parse(_, stderr string) []api.Finding {
	m := packetsLine.FindStringSubmatch(stderr)
	if m == nil {
		return nil
	}
	return []api.Finding{{Type: "packets_captured", Value: m[1]}}
}
