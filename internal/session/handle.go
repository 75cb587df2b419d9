package session

import (
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

const readChunkSize = 4096

// Handle is the live streaming attachment to a tmux session: a
// `tmux attach-session` child running under a pseudo-terminal. At
// most one exists per session, created lazily on first client attach.
type Handle struct {
	ptmx *os.File
	cmd  *exec.Cmd

	mu     sync.Mutex
	closed bool
}

// HandleCallbacks receive the attachment's lifecycle events. OnData
// is called from the read goroutine with a chunk that must not be
// retained. OnExit fires exactly once, after the attach process ends
// for any reason, including Close.
type HandleCallbacks struct {
	OnData func(data []byte)
	OnExit func()
}

// AttachHandle attaches to the named tmux session at the given
// geometry and starts streaming its output.
func AttachHandle(tmuxBin, name string, cols, rows int, cb HandleCallbacks) (*Handle, error) {
	if tmuxBin == "" {
		tmuxBin = "tmux"
	}
	cmd := exec.Command(tmuxBin, "attach-session", "-t", "="+name)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, fmt.Errorf("attach to %s: %w", name, err)
	}

	h := &Handle{ptmx: ptmx, cmd: cmd}
	go h.readLoop(cb)
	return h, nil
}

func (h *Handle) readLoop(cb HandleCallbacks) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 && cb.OnData != nil {
			cb.OnData(buf[:n])
		}
		if err != nil {
			break
		}
	}

	// Reap the attach process; pty reads fail once it exits.
	h.cmd.Wait()
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	if cb.OnExit != nil {
		cb.OnExit()
	}
}

// Write sends input to the attached terminal.
func (h *Handle) Write(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("attachment closed")
	}
	_, err := h.ptmx.Write(data)
	return err
}

// Resize changes the pseudo-terminal's geometry.
func (h *Handle) Resize(cols, rows int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("attachment closed")
	}
	return pty.Setsize(h.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Close tears down the attachment. The tmux session itself is left
// running; only the attach child dies. Safe to call more than once.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	// Killing the child unblocks the read loop, which marks the
	// handle closed and fires OnExit.
	if h.cmd.Process != nil {
		h.cmd.Process.Kill()
	}
	h.ptmx.Close()
}
