package probe

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Prerequisite names an externally installed tool and the command that
// reports its version.
type Prerequisite struct {
	Name            string   `json:"name"`
	Command         string   `json:"command"`
	Args            []string `json:"args"`
	RequiredMinimum string   `json:"required_minimum,omitempty"`
}

// Check is the outcome of probing one prerequisite. Failures are
// encoded in the result; probing never returns an error.
type Check struct {
	Name            string `json:"name"`
	Found           bool   `json:"found"`
	Version         string `json:"version,omitempty"`
	RequiredMinimum string `json:"required_minimum,omitempty"`
}

// Satisfied reports whether the prerequisite was found and, when a
// minimum is declared, whether the detected version meets it. An
// unparsable version is treated as satisfying (the probe is advisory).
func (c Check) Satisfied() bool {
	if !c.Found {
		return false
	}
	if c.RequiredMinimum == "" {
		return true
	}
	got, ok1 := parseVersion(c.Version)
	want, ok2 := parseVersion(c.RequiredMinimum)
	if !ok1 || !ok2 {
		return true
	}
	return compareVersions(got, want) >= 0
}

const probeTimeout = 10 * time.Second

// Run invokes the prerequisite's version-query command. Command not
// found or non-zero exit both yield Found=false.
func Run(ctx context.Context, p Prerequisite) Check {
	c := Check{Name: p.Name, RequiredMinimum: p.RequiredMinimum}
	if p.Command == "" {
		return c
	}
	cctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	// #nosec G204 -- probe commands come from the fixed tool catalog
	cmd := exec.CommandContext(cctx, p.Command, p.Args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return c
	}
	c.Found = true
	c.Version = extractVersion(out.String())
	return c
}

// RunAll probes every prerequisite in order.
func RunAll(ctx context.Context, ps []Prerequisite) []Check {
	out := make([]Check, 0, len(ps))
	for _, p := range ps {
		out = append(out, Run(ctx, p))
	}
	return out
}

// extractVersion pulls the first dotted-number token out of the first
// output line, e.g. "git version 2.43.0" -> "2.43.0", "v20.11.1" ->
// "20.11.1". Falls back to the trimmed first line.
func extractVersion(s string) string {
	line := s
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	for _, f := range strings.Fields(line) {
		f = strings.TrimPrefix(f, "v")
		f = strings.TrimSuffix(f, ",")
		if _, ok := parseVersion(f); ok {
			return f
		}
	}
	return line
}

func parseVersion(s string) ([]int, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return nil, false
	}
	parts := strings.Split(s, ".")
	nums := make([]int, 0, len(parts))
	for _, p := range parts {
		// tolerate suffixes like "3.12.10rc1"
		digits := p
		for i, r := range p {
			if r < '0' || r > '9' {
				digits = p[:i]
				break
			}
		}
		if digits == "" {
			break
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			break
		}
		nums = append(nums, n)
	}
	if len(nums) == 0 {
		return nil, false
	}
	return nums, true
}

func compareVersions(a, b []int) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
