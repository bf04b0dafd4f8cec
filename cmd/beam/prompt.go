package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/schaermu/beam/internal/config"
)

var (
	// errNotInteractive is returned when a prompt is needed without a terminal
	errNotInteractive = errors.New("prompts require a terminal, use --no-prompt to skip them")

	errCancelled = errors.New("user cancelled")
)

// prompter asks yes/no questions on the terminal. It serves as the
// approval prompt for optional commands and the failure prompt for
// commands that exited with a non-zero status.
type prompter struct {
	in          *bufio.Reader
	out         io.Writer
	interactive bool
}

func newPrompter(in io.Reader, out io.Writer, interactive bool) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out, interactive: interactive}
}

// confirm asks question and returns def on an empty answer
func (p *prompter) confirm(question string, def bool) (bool, error) {
	if !p.interactive {
		return false, errNotInteractive
	}

	marker := "[y/N]"
	if def {
		marker = "[Y/n]"
	}
	fmt.Fprintf(p.out, "%s %s %s: ", promptColor.Sprint("[prompt]"), question, marker)

	response, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read user input: %w", err)
	}
	response = strings.ToLower(strings.TrimSpace(response))
	if response == "" {
		if errors.Is(err, io.EOF) {
			return false, errCancelled
		}
		return def, nil
	}
	return response == "y" || response == "yes", nil
}

// Approve asks whether an optional command should run
func (p *prompter) Approve(_ context.Context, cmd config.Command) (bool, error) {
	return p.confirm(fmt.Sprintf("%s: Do you want to run this command?", cmd.Command), true)
}

// Continue reports the failed command and asks whether to go on
func (p *prompter) Continue(_ context.Context, cmd config.Command, err error) (bool, error) {
	printError(p.out, err)
	printSection(p.out, errorColor, "error", "Error running: "+cmd.Command)
	return p.confirm("A command exited with a non-zero status. Do you want to continue?", true)
}

// commandOutput streams command hook output with a section prefix
type commandOutput struct {
	out io.Writer
}

// Command returns a writer for the output of cmd
func (o commandOutput) Command(cmd config.Command) io.Writer {
	return &prefixWriter{out: o.out, prefix: dimColor.Sprintf("[%s]", cmd.Command) + " "}
}

// prefixWriter prefixes every complete line written to it
type prefixWriter struct {
	out     io.Writer
	prefix  string
	pending []byte
}

func (w *prefixWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		if _, err := fmt.Fprintf(w.out, "%s%s\n", w.prefix, w.pending[:i]); err != nil {
			return 0, err
		}
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

// Close writes a trailing line that did not end in a newline
func (w *prefixWriter) Close() error {
	if len(w.pending) == 0 {
		return nil
	}
	_, err := fmt.Fprintf(w.out, "%s%s\n", w.prefix, w.pending)
	w.pending = nil
	return err
}
