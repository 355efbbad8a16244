package probe

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/argusmon/argus/internal/models"
)

// CustomProbe runs an operator-configured local command. Exit 0 is ok (or
// threshold-classified when stdout is numeric), anything else is an error
// sample.
type CustomProbe struct{}

func (p *CustomProbe) Check(ctx context.Context, mon *models.Monitor) *models.Sample {
	started := time.Now()

	cfg := mon.Check.Custom
	if cfg == nil {
		return errorSample(mon, started, KindTerminal, "custom check config missing")
	}

	stdout, stderr, err := runLocal(ctx, cfg.Command)
	if err != nil {
		if ctx.Err() != nil {
			return errorSample(mon, started, KindTransient, "command timed out after %s", mon.Timeout())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return errorSample(mon, started, KindTransient, "command exited with status %d: %s",
				exitErr.ExitCode(), truncate(strings.TrimSpace(stderr), 256))
		}
		return errorSample(mon, started, KindTerminal, "start command: %v", err)
	}

	md := models.Metadata{"output": truncate(strings.TrimSpace(stdout), 1024)}
	if v := parseNumeric(stdout); v != nil {
		return valueSample(mon, started, *v, md)
	}

	s := valueSample(mon, started, 0, md)
	s.Value = nil
	s.Status = models.StatusOK
	return s
}

// runLocal executes one command through the shell. The ctx deadline kills
// the process.
func runLocal(ctx context.Context, command string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.String(), errBuf.String(), err
}
