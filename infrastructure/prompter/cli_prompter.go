// Package prompter asks an operator on a terminal to approve plugin grants.
package prompter

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/reglet-dev/filament-host/domain/entities"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/ports"
)

// CliPrompter implements ports.Prompter for CLI environments.
type CliPrompter struct {
	in          io.Reader
	out         io.Writer
	interactive *bool
}

// CliOption configures a CliPrompter.
type CliOption func(*CliPrompter)

// WithInteractive overrides terminal detection.
func WithInteractive(enabled bool) CliOption {
	return func(p *CliPrompter) {
		p.interactive = &enabled
	}
}

// NewCliPrompter creates a new CliPrompter.
func NewCliPrompter(in io.Reader, out io.Writer, opts ...CliOption) *CliPrompter {
	p := &CliPrompter{in: in, out: out}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ ports.Prompter = (*CliPrompter)(nil)

// IsInteractive checks if the input is a terminal.
func (p *CliPrompter) IsInteractive() bool {
	if p.interactive != nil {
		return *p.interactive
	}
	if f, ok := p.in.(*os.File); ok {
		stat, err := f.Stat()
		if err != nil {
			return false
		}
		return (stat.Mode() & os.ModeCharDevice) != 0
	}
	return false
}

// Approve lists the requested grants and reads y, n or always. Anything
// else, including end of input, denies.
func (p *CliPrompter) Approve(req ports.GrantRequest) (granted bool, always bool, err error) {
	_, _ = fmt.Fprintf(p.out, "Plugin %q requests (risk: %s):\n", req.Plugin, req.Risk)
	for _, line := range DescribeGrants(req.Missing) {
		_, _ = fmt.Fprintf(p.out, "  - %s\n", line)
	}
	for _, risk := range req.Risks {
		_, _ = fmt.Fprintf(p.out, "  ! %s\n", risk)
	}
	_, _ = fmt.Fprintf(p.out, "Allow? [y/n/always]: ")

	scanner := bufio.NewScanner(p.in)
	if scanner.Scan() {
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "y", "yes":
			return true, false, nil
		case "a", "always":
			return true, true, nil
		default:
			return false, false, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, false, err
	}
	return false, false, io.EOF
}

// DescribeGrants renders each rule of g as one line.
func DescribeGrants(g *entities.GrantSet) []string {
	if g == nil {
		return nil
	}
	var lines []string
	if g.Network != nil {
		for _, r := range g.Network.Rules {
			methods := "any method"
			if len(r.Methods) > 0 {
				methods = strings.Join(r.Methods, ",")
			}
			on := "any port"
			if len(r.Ports) > 0 {
				on = "ports " + strings.Join(r.Ports, ",")
			}
			lines = append(lines, fmt.Sprintf("http %s to %s on %s", methods, strings.Join(r.Hosts, ","), on))
		}
	}
	if g.Tool != nil && len(g.Tool.Names) > 0 {
		lines = append(lines, "tools "+strings.Join(g.Tool.Names, ","))
	}
	if g.Env != nil && len(g.Env.Variables) > 0 {
		lines = append(lines, "env "+strings.Join(g.Env.Variables, ","))
	}
	if g.KV != nil {
		for _, r := range g.KV.Rules {
			lines = append(lines, fmt.Sprintf("kv %s %s", r.Operation, strings.Join(r.Keys, ",")))
		}
	}
	return lines
}

// FormatNonInteractiveError reports grants that need approval when no
// operator can be asked.
func (p *CliPrompter) FormatNonInteractiveError(plugin string, missing *entities.GrantSet) error {
	return NonInteractiveError(plugin, missing)
}

// NonInteractiveError is the PERMISSION_DENIED error for unapproved grants.
func NonInteractiveError(plugin string, missing *entities.GrantSet) error {
	return ferrors.New(ferrors.PermissionDenied, "grants.approve",
		"plugin %q requires unapproved grants in non-interactive mode: %s",
		plugin, strings.Join(DescribeGrants(missing), "; "))
}
