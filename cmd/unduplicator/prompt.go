package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/steveyegge/unduplicator/internal/metadata"
)

// errInterrupted is returned when the user presses Ctrl+C at a prompt
var errInterrupted = errors.New("interrupted")

// lineReader is the part of *readline.Instance the prompter uses
type lineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
	Close() error
}

// prompter asks questions on the terminal. It resolves metadata conflicts
// and confirms the reference index rebuild.
type prompter struct {
	rl  lineReader
	out io.Writer
	// eof is set once input ends; every later conflict is skipped
	eof bool
}

func newPrompter(in io.ReadCloser, out io.Writer) (*prompter, error) {
	rl, err := readline.NewEx(&readline.Config{
		Stdin:           in,
		Stdout:          out,
		InterruptPrompt: "^C",
		EOFPrompt:       "",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &prompter{rl: rl, out: out}, nil
}

func (p *prompter) Close() error {
	return p.rl.Close()
}

// ask reads one trimmed answer
func (p *prompter) ask(prompt string) (string, error) {
	if p.eof {
		return "", io.EOF
	}
	p.rl.SetPrompt(prompt)
	line, err := p.rl.Readline()
	if err == readline.ErrInterrupt {
		return "", errInterrupted
	}
	if err == io.EOF {
		p.eof = true
		return "", io.EOF
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Confirm asks a yes/no question. An empty answer or end of input means no.
func (p *prompter) Confirm(question string) (bool, error) {
	for {
		answer, err := p.ask(fmt.Sprintf("%s [y/N] ", question))
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		switch strings.ToLower(answer) {
		case "", "n", "no":
			return false, nil
		case "y", "yes":
			return true, nil
		}
		fmt.Fprintln(p.out, "Please answer y or n.")
	}
}

// Resolve shows both versions of a conflicting metadata record and asks
// which one to keep
func (p *prompter) Resolve(ctx context.Context, d *metadata.Decision) (metadata.Resolution, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.eof {
		return metadata.ResolveSkip, nil
	}

	p.printConflict(d)
	for {
		answer, err := p.ask("Keep [o]ld, keep [m]aster, [s]kip, [?] help: ")
		if err == io.EOF {
			return metadata.ResolveSkip, nil
		}
		if err != nil {
			return "", err
		}
		if res, ok := parseResolution(answer); ok {
			return res, nil
		}
		fmt.Fprintln(p.out, "  o: copy the duplicate's values onto the master and delete the duplicate")
		fmt.Fprintln(p.out, "  m: keep the master's values and delete the duplicate")
		fmt.Fprintln(p.out, "  s: leave both records, the duplicate file is kept")
	}
}

func (p *prompter) printConflict(d *metadata.Decision) {
	yellow := color.New(color.FgYellow).SprintFunc()
	fmt.Fprintf(p.out, "\n%s metadata of file %d conflicts with master file %d (language %d)\n",
		yellow("!"), d.Old.File, d.MasterFileUID, d.LanguageUID())

	oldFields := d.OldClean()
	masterFields := d.MasterClean()
	names := make([]string, 0, len(oldFields)+len(masterFields))
	for name := range oldFields {
		names = append(names, name)
	}
	for name := range masterFields {
		if _, ok := oldFields[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		marker := " "
		if oldFields[name] != masterFields[name] {
			marker = yellow("*")
		}
		fmt.Fprintf(p.out, " %s %s\n", marker, name)
		fmt.Fprintf(p.out, "      old    (%d): %q\n", d.OldUID(), oldFields[name])
		fmt.Fprintf(p.out, "      master (%d): %q\n", d.MasterUID(), masterFields[name])
	}
}

// parseResolution maps an answer to a resolution. ok is false for help or
// unknown input.
func parseResolution(answer string) (metadata.Resolution, bool) {
	switch strings.ToLower(answer) {
	case "o", "old":
		return metadata.ResolveKeepOld, true
	case "m", "master":
		return metadata.ResolveKeepMaster, true
	case "s", "skip":
		return metadata.ResolveSkip, true
	default:
		return "", false
	}
}
