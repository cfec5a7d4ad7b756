package tool

import (
	"regexp"
	"strings"

	"github.com/probeops/warden/pkg/api"
)

// Fuzzer wraps a web-path fuzzer (ffuf, gobuster and friends).
type Fuzzer struct {
	Bin    string
	VerArg string
}

func (f *Fuzzer) Kind() api.Kind     { return api.KindFuzz }
func (f *Fuzzer) Binary() string     { return f.Bin }
func (f *Fuzzer) VersionArg() string { return f.VerArg }

func (f *Fuzzer) Command(t api.TaskSpec, workDir string) Invocation {
	return Invocation{Binary: f.Bin, Args: t.Args}
}

// hitLine matches both ffuf ("admin [Status: 200, ...]") and gobuster
// ("/admin (Status: 200) ...") hit rows.
var hitLine = regexp.MustCompile(`^(\S+)\s+[\[(]Status:\s*(\d{3})`)

func (f *Fuzzer) Parse(stdout, _ string) []api.Finding {
	var findings []api.Finding
	for _, line := range strings.Split(stdout, "\n") {
		m := hitLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		findings = append(findings, api.Finding{Type: "path", Value: m[1], Extra: m[2]})
	}
	return findings
}
