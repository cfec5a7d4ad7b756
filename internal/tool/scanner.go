package tool

import (
	"regexp"
	"strings"

	"github.com/probeops/warden/pkg/api"
)

// Scanner wraps an nmap-style port scanner.
type Scanner struct {
	Bin    string
	VerArg string
}

func (s *Scanner) Kind() api.Kind     { return api.KindScan }
func (s *Scanner) Binary() string     { return s.Bin }
func (s *Scanner) VersionArg() string { return s.VerArg }

func (s *Scanner) Command(t api.TaskSpec, workDir string) Invocation {
	return Invocation{Binary: s.Bin, Args: t.Args}
}

// portLine matches nmap normal-output port rows: "22/tcp open ssh".
var portLine = regexp.MustCompile(`^(\d+/(?:tcp|udp))\s+open(?:\|filtered)?\s+(\S+)?`)

// Parse extracts open ports from scanner output. Lines that do not look
// like port rows are left for the controller to inspect in the raw capture.
func (s *Scanner) Parse(stdout, _ string) []api.Finding {
	var findings []api.Finding
	for _, line := range strings.Split(stdout, "\n") {
		m := portLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		findings = append(findings, api.Finding{Type: "port", Value: m[1], Extra: m[2]})
	}
	return findings
}
