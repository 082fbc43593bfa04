package engine

import (
	"bufio"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testRunner() Runner {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewRunner(logger)
}

func TestRunner_StreamsLines(t *testing.T) {
	var lines []string
	err := testRunner().Run(context.Background(), Spec{
		Argv: []string{"sh", "-c", `echo one; echo two 1>&2; echo three`},
	}, func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(lines) != 3 {
		t.Fatalf("got %d lines %v, expected 3", len(lines), lines)
	}
	joined := strings.Join(lines, "|")
	for _, want := range []string{"one", "two", "three"} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing %q in %v", want, lines)
		}
	}
}

func TestRunner_CarriageReturnRedraws(t *testing.T) {
	// progress-bar style output: redraws separated by bare \r
	var lines []string
	err := testRunner().Run(context.Background(), Spec{
		Argv: []string{"sh", "-c", `printf '10%%\r50%%\r100%%\n'`},
	}, func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("got %v, expected each redraw as its own line", lines)
	}
	if lines[2] != "100%" {
		t.Errorf("last redraw = %q", lines[2])
	}
}

func TestRunner_ExitError(t *testing.T) {
	err := testRunner().Run(context.Background(), Spec{
		Argv: []string{"sh", "-c", "exit 3"},
	}, nil)

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error = %v, expected *ExitError", err)
	}
	if exitErr.Code != 3 {
		t.Errorf("code = %d, expected 3", exitErr.Code)
	}
}

func TestRunner_Timeout(t *testing.T) {
	start := time.Now()
	err := testRunner().Run(context.Background(), Spec{
		Argv:    []string{"sleep", "10"},
		Timeout: 100 * time.Millisecond,
	}, nil)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, expected ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("kill took %s, child was not terminated promptly", elapsed)
	}
}

func TestRunner_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := testRunner().Run(ctx, Spec{Argv: []string{"sleep", "10"}}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, expected context.Canceled", err)
	}
}

func TestRunner_EmptyArgv(t *testing.T) {
	if err := testRunner().Run(context.Background(), Spec{}, nil); err == nil {
		t.Error("empty argv should error")
	}
}

func TestSplitCRLF(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"a\nb\n", []string{"a", "b"}},
		{"a\r\nb\r\n", []string{"a", "b"}},
		{"a\rb\rc\n", []string{"a", "b", "c"}},
		{"mixed\r\nbare\rplain\n", []string{"mixed", "bare", "plain"}},
		{"no trailing newline", []string{"no trailing newline"}},
	}

	for _, test := range tests {
		scanner := bufio.NewScanner(strings.NewReader(test.in))
		scanner.Split(splitCRLF)
		var got []string
		for scanner.Scan() {
			got = append(got, scanner.Text())
		}
		if len(got) != len(test.want) {
			t.Errorf("split(%q) = %v, expected %v", test.in, got, test.want)
			continue
		}
		for i := range test.want {
			if got[i] != test.want[i] {
				t.Errorf("split(%q)[%d] = %q, expected %q", test.in, i, got[i], test.want[i])
			}
		}
	}
}
