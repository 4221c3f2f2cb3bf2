package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// CommandDialer launches an MCP server as a child process and talks to it over the
// child's stdin and stdout. Everything the child writes to stderr is forwarded to the
// logger line by line.
//
// Closing the returned Transport closes the child's stdin, which asks a well-behaved
// server to exit, and kills the child if it is still running after CloseGrace.
type CommandDialer struct {
	Command string
	Args    []string
	// Env, when non-nil, replaces the environment of the child.
	Env []string
	Dir string

	Framing    Framing
	CloseGrace time.Duration
	Logger     *slog.Logger
}

type processTransport struct {
	*StreamTransport

	cmd    *exec.Cmd
	grace  time.Duration
	logger *slog.Logger

	exited  chan struct{}
	exitErr error
}

const defaultCloseGrace = 2 * time.Second

// NewStdio returns a CommandDialer for command with args and default settings.
func NewStdio(command string, args ...string) *CommandDialer {
	return &CommandDialer{
		Command: command,
		Args:    args,
	}
}

// Dial starts the child process. A ctx that is already done fails the dial without
// starting anything; after Dial returns, the process lives until the transport is
// closed, regardless of ctx.
func (d *CommandDialer) Dial(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, d.connectionError(err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("command", d.Command))

	cmd := exec.Command(d.Command, d.Args...)
	cmd.Env = d.Env
	cmd.Dir = d.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, d.connectionError(fmt.Errorf("failed to open stdin: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, d.connectionError(fmt.Errorf("failed to open stdout: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, d.connectionError(fmt.Errorf("failed to open stderr: %w", err))
	}

	// Start releases every pipe it created when it fails.
	if err := cmd.Start(); err != nil {
		return nil, d.connectionError(fmt.Errorf("failed to start process: %w", err))
	}

	// Frames are copied through an in-memory pipe so that closing the transport
	// never races with exec.Cmd.Wait closing the real stdout pipe.
	frameReader, frameWriter := io.Pipe()

	p := &processTransport{
		cmd:    cmd,
		grace:  d.CloseGrace,
		logger: logger,
		exited: make(chan struct{}),
	}
	if p.grace <= 0 {
		p.grace = defaultCloseGrace
	}

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(frameWriter, stdout)
		frameWriter.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		return logStderr(logger, stderr)
	})

	go func() {
		defer close(p.exited)
		// Wait must not be called before all reads from the pipes have completed.
		readErr := g.Wait()
		p.exitErr = cmd.Wait()
		if readErr != nil && !errors.Is(readErr, io.ErrClosedPipe) {
			logger.Warn("failed to read from process", "err", readErr)
		}
		logger.Info("process exited", "err", p.exitErr)
	}()

	p.StreamTransport = NewStreamTransport(frameReader, stdin,
		WithFraming(d.Framing),
		WithStreamLogger(logger),
	)

	logger.Info("process started", slog.Int("pid", cmd.Process.Pid))
	return p, nil
}

func (d *CommandDialer) connectionError(err error) error {
	return &ConnectionError{Target: strings.TrimSpace(d.Command + " " + strings.Join(d.Args, " ")), Err: err}
}

// Close closes stdin, then waits up to the grace period for the process to exit before
// killing it.
func (p *processTransport) Close() error {
	err := p.StreamTransport.Close()

	select {
	case <-p.exited:
	case <-time.After(p.grace):
		p.logger.Warn("process did not exit after stdin was closed, killing it", slog.Duration("grace", p.grace))
		if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = errors.Join(err, fmt.Errorf("failed to kill process: %w", kerr))
		}
		<-p.exited
	}

	return err
}

func logStderr(logger *slog.Logger, stderr io.Reader) error {
	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(stderr)
	for {
		line, err := reader.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			logger.Info("server stderr", slog.String("line", line))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
