package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/steveyegge/unduplicator/internal/logger"
)

// commandRebuilder rebuilds the reference index by running an external command
type commandRebuilder struct {
	args   []string
	stdout io.Writer
	stderr io.Writer
	log    *logger.Logger
}

// newCommandRebuilder splits command on whitespace. Arguments containing
// spaces are not supported; wrap them in a script.
func newCommandRebuilder(command string, stdout, stderr io.Writer, log *logger.Logger) (*commandRebuilder, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, errors.New("reference index command is empty")
	}
	return &commandRebuilder{args: args, stdout: stdout, stderr: stderr, log: logger.OrNop(log)}, nil
}

func (r *commandRebuilder) RebuildIndex(ctx context.Context) error {
	start := time.Now()
	cmd := exec.CommandContext(ctx, r.args[0], r.args[1:]...)
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stderr

	r.log.Debug("running reference index command", "command", strings.Join(r.args, " "))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("reference index command %q failed: %w", r.args[0], err)
	}
	r.log.Info("reference index rebuilt", "duration", time.Since(start).Round(time.Millisecond))
	return nil
}
