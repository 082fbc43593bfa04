package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultRunTimeout is the wall-clock ceiling for a whole-job engine
	// invocation.
	DefaultRunTimeout = 600 * time.Second
	// TrackRunTimeout is the ceiling for a single per-track fallback
	// invocation.
	TrackRunTimeout = 300 * time.Second
)

// ErrTimeout reports that a child exceeded its wall-clock ceiling and was
// force-terminated.
var ErrTimeout = errors.New("process timed out")

// ExitError reports a child that ran to completion with a non-zero status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process exited with code %d", e.Code)
}

// Spec describes one child invocation.
type Spec struct {
	Argv []string
	// Env entries are appended over the inherited environment.
	Env []string
	Dir string
	// Timeout is the wall-clock ceiling; DefaultRunTimeout when zero.
	Timeout time.Duration
}

// Runner launches a child process and streams its merged stdout/stderr to
// onLine, one completed line at a time, while the child is still running.
// Buffering the output would hide progress from pollers, so this is the one
// place output must be consumed incrementally.
type Runner interface {
	Run(ctx context.Context, spec Spec, onLine func(string)) error
}

type execRunner struct {
	logger *logrus.Logger
}

func NewRunner(logger *logrus.Logger) Runner {
	if logger == nil {
		logger = logrus.New()
	}
	return &execRunner{logger: logger}
}

func (r *execRunner) Run(ctx context.Context, spec Spec, onLine func(string)) error {
	if len(spec.Argv) == 0 {
		return errors.New("empty argv")
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	// Do not leave a zombie copy loop behind if the child ignores the
	// kill and holds its pipes open.
	cmd.WaitDelay = 5 * time.Second

	// stdout and stderr share one pipe so lines arrive in emission order.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanLines(pr, onLine)
	}()

	if err := cmd.Start(); err != nil {
		pw.Close()
		<-scanDone
		return fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}

	waitErr := cmd.Wait()
	pw.Close()
	<-scanDone

	if runCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%s after %s: %w", spec.Argv[0], timeout, ErrTimeout)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return &ExitError{Code: exitErr.ExitCode()}
		}
		return fmt.Errorf("wait %s: %w", spec.Argv[0], waitErr)
	}
	return nil
}

// scanLines delivers each completed line to onLine. Carriage returns count
// as line ends because both engines redraw progress bars with bare \r, and
// those redraws are the progress signal. Malformed bytes are substituted,
// never fatal.
func scanLines(r io.Reader, onLine func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(splitCRLF)
	for scanner.Scan() {
		line := strings.TrimRight(strings.ToValidUTF8(scanner.Text(), "�"), " \t")
		if line != "" && onLine != nil {
			onLine(line)
		}
	}
}

func splitCRLF(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		// swallow the \n of a \r\n pair
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			return i + 2, data[:i], nil
		}
		if data[i] == '\r' && i+1 == len(data) && !atEOF {
			// wait to see whether \n follows
			return 0, nil, nil
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
