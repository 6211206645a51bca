package launcher

import (
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"
)

// Process is a spawned target. The controller does not manage its lifetime
// beyond launch: the capture protocol ends when the target closes its pipe.
type Process struct {
	cmd    *exec.Cmd
	exited chan error
}

// Options describe how to launch the instrumented target.
type Options struct {
	Exec       string
	Args       []string
	SocketPath string
	Preload    string // injected capture library, set as LD_PRELOAD when non-empty
}

// Spawn starts the target with the controller's socket in its environment so
// the injected library knows where to connect. The injection library itself
// is a separate deliverable.
func Spawn(opts Options, logger *zap.SugaredLogger) (*Process, error) {
	if opts.Exec == "" {
		return nil, fmt.Errorf("no executable given")
	}

	cmd := exec.Command(opts.Exec, opts.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "VIDTAP_SOCKET="+opts.SocketPath)
	if opts.Preload != "" {
		cmd.Env = append(cmd.Env, "LD_PRELOAD="+opts.Preload)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", opts.Exec, err)
	}
	logger.Infow("target launched", "exec", opts.Exec, "pid", cmd.Process.Pid)

	p := &Process{cmd: cmd, exited: make(chan error, 1)}
	go func() {
		err := cmd.Wait()
		if err != nil {
			logger.Warnw("target exited", "exec", opts.Exec, "error", err)
		} else {
			logger.Infow("target exited cleanly", "exec", opts.Exec)
		}
		p.exited <- err
	}()

	return p, nil
}

// Wait blocks until the target exits.
func (p *Process) Wait() error {
	return <-p.exited
}

// Pid returns the target's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}
