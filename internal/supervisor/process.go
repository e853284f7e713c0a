package supervisor

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// WorkerIDEnv marks a child process as a worker and carries its slot number.
const WorkerIDEnv = "AUTHLOOK_WORKER_ID"

// listenerFD is the descriptor number of the first ExtraFiles entry.
const listenerFD = 3

// Process is a running worker.
type Process interface {
	Pid() int
	// Signal delivers sig to the worker's process group.
	Signal(sig os.Signal) error
	Kill() error
	Wait() error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(slot int) (Process, error)
}

// ExecSpawner re-executes the current binary as a worker that inherits the
// supervisor's listening socket.
type ExecSpawner struct {
	Path     string
	Args     []string
	Env      []string
	Listener *os.File
}

// NewExecSpawner returns a spawner that runs the current executable with the
// current arguments and environment.
func NewExecSpawner(listener *os.File) (*ExecSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ExecSpawner{
		Path:     path,
		Args:     os.Args[1:],
		Env:      os.Environ(),
		Listener: listener,
	}, nil
}

// Spawn starts the worker for slot in its own process group.
func (s *ExecSpawner) Spawn(slot int) (Process, error) {
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(append([]string{}, s.Env...), WorkerIDEnv+"="+strconv.Itoa(slot))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if s.Listener != nil {
		cmd.ExtraFiles = []*os.File{s.Listener}
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %d: %w", slot, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return p.cmd.Process.Signal(sig)
	}
	pid := p.cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		pgid = pid
	}
	if err := syscall.Kill(-pgid, s); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

func (p *execProcess) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

// Bind opens the shared listening socket and returns it as a file that can be
// handed to workers, together with the bound address.
func Bind(addr string) (*os.File, net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	defer ln.Close()

	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		return nil, nil, fmt.Errorf("listen on %s: unexpected listener %T", addr, ln)
	}
	f, err := tcp.File()
	if err != nil {
		return nil, nil, fmt.Errorf("duplicate listener: %w", err)
	}
	return f, ln.Addr(), nil
}

// WorkerID returns the slot this process serves when it was started by a
// supervisor, and false otherwise.
func WorkerID() (string, bool) {
	id, ok := os.LookupEnv(WorkerIDEnv)
	return id, ok && id != ""
}

// InheritedListener rebuilds the listener handed down by the supervisor.
func InheritedListener() (net.Listener, error) {
	f := os.NewFile(listenerFD, "authlook-listener")
	if f == nil {
		return nil, errors.New("no inherited listener")
	}
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("inherited listener: %w", err)
	}
	return ln, nil
}
