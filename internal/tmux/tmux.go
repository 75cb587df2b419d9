// Package tmux wraps the tmux CLI. All session state ultimately lives
// in the tmux server; the bridge only mirrors it.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// SessionInfo is one row of the tmux session listing.
type SessionInfo struct {
	Name     string
	Path     string
	Created  time.Time
	Activity time.Time
	Cols     int
	Rows     int
	Attached bool
}

// Client is the surface the bridge needs from the multiplexer.
type Client interface {
	ListSessions(ctx context.Context) ([]SessionInfo, error)
	HasSession(ctx context.Context, name string) (bool, error)
	NewSession(ctx context.Context, name, cwd, command string, cols, rows int) error
	KillSession(ctx context.Context, name string) error
	SendKeys(ctx context.Context, name, data string) error
	Resize(ctx context.Context, name string, cols, rows int) error
}

// Runner executes a command and returns its combined output. Swapped
// out for a fake in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// OSRunner runs commands through os/exec.
type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

const listFormat = "#{session_name}\t#{session_path}\t#{session_created}\t#{session_activity}\t#{window_width}\t#{window_height}\t#{session_attached}"

// CLI drives a tmux server through its command-line interface.
type CLI struct {
	bin     string
	runner  Runner
	timeout time.Duration
}

// NewCLI creates a client for the given tmux binary.
func NewCLI(bin string) *CLI {
	if bin == "" {
		bin = "tmux"
	}
	return &CLI{bin: bin, runner: OSRunner{}, timeout: 10 * time.Second}
}

// NewCLIWithRunner creates a client with an injected runner.
func NewCLIWithRunner(bin string, runner Runner) *CLI {
	c := NewCLI(bin)
	c.runner = runner
	return c
}

func (c *CLI) run(ctx context.Context, args ...string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.runner.Run(runCtx, c.bin, args...)
	if err != nil {
		return out, fmt.Errorf("tmux %s: %w (%s)", args[0], err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// ListSessions returns all sessions known to the tmux server. A tmux
// server with no sessions exits non-zero; that is reported as an
// empty listing, not an error.
func (c *CLI) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	out, err := c.run(ctx, "list-sessions", "-F", listFormat)
	if err != nil {
		if strings.Contains(string(out), "no server running") ||
			strings.Contains(string(out), "no sessions") {
			return nil, nil
		}
		return nil, err
	}
	return ParseListing(string(out))
}

// ParseListing parses list-sessions output in listFormat.
func ParseListing(out string) ([]SessionInfo, error) {
	var infos []SessionInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			return nil, fmt.Errorf("malformed listing line: %q", line)
		}
		created, _ := strconv.ParseInt(fields[2], 10, 64)
		activity, _ := strconv.ParseInt(fields[3], 10, 64)
		cols, _ := strconv.Atoi(fields[4])
		rows, _ := strconv.Atoi(fields[5])
		attached, _ := strconv.Atoi(fields[6])
		infos = append(infos, SessionInfo{
			Name:     fields[0],
			Path:     fields[1],
			Created:  time.Unix(created, 0).UTC(),
			Activity: time.Unix(activity, 0).UTC(),
			Cols:     cols,
			Rows:     rows,
			Attached: attached > 0,
		})
	}
	return infos, nil
}

// HasSession reports whether a session with the exact name exists.
func (c *CLI) HasSession(ctx context.Context, name string) (bool, error) {
	// has-session matches prefixes unless the name is anchored.
	_, err := c.run(ctx, "has-session", "-t", "="+name)
	if err != nil {
		if strings.Contains(err.Error(), "can't find session") ||
			strings.Contains(err.Error(), "no server running") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// NewSession creates a detached session running command in cwd.
func (c *CLI) NewSession(ctx context.Context, name, cwd, command string, cols, rows int) error {
	args := []string{"new-session", "-d", "-s", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	if cols > 0 && rows > 0 {
		args = append(args, "-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	}
	if command != "" {
		args = append(args, command)
	}
	_, err := c.run(ctx, args...)
	return err
}

// KillSession destroys a session and its processes.
func (c *CLI) KillSession(ctx context.Context, name string) error {
	_, err := c.run(ctx, "kill-session", "-t", "="+name)
	return err
}

// SendKeys injects raw input into a session without an attachment.
func (c *CLI) SendKeys(ctx context.Context, name, data string) error {
	// -l sends the data literally instead of interpreting key names.
	_, err := c.run(ctx, "send-keys", "-t", "="+name, "-l", data)
	return err
}

// Resize sets the geometry of the session's active window.
func (c *CLI) Resize(ctx context.Context, name string, cols, rows int) error {
	_, err := c.run(ctx, "resize-window", "-t", "="+name,
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	return err
}
