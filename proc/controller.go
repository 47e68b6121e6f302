/*
Package proc controls the external ingestion workflows around a migration.

PURPOSE:
  The migration engine does not own the upload/ingestion workflows that
  write into the store; it only needs them quiet while the fact table is
  rebuilt. This package abstracts "make the named workflows stop writing"
  and "bring the workflow supervisor back" behind a two-method interface,
  so the orchestrator can run against real OS processes in production and
  against a recording fake in tests and replay mode.

QUIESCENCE PROTOCOL (OSController.Pause):
  1. Send SIGTERM to every process matching each workflow name.
  2. Wait one grace period.
  3. Verify by process inspection that none remain.
  4. If any survive, escalate to SIGKILL once, wait again, re-verify.
  5. Fail if processes still persist - quiescence was not achieved.

  Matching is by command-line pattern (pgrep/pkill -f), the same contract
  the workflow supervisor itself uses to identify its children.

RESUME:
  Resume relaunches the configured supervisor command detached from the
  migration process. It does not wait for the supervisor to come up;
  whether the workflows restart cleanly is the supervisor's business.
*/
package proc

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Controller pauses and resumes the named external workflows.
type Controller interface {
	// Pause stops every workflow process matching the given names and
	// returns only once none remain, or an error when quiescence could
	// not be achieved.
	Pause(ctx context.Context, names []string) error

	// Resume relaunches the workflow supervisor.
	Resume(ctx context.Context) error
}

// OSController pauses and resumes workflows as real OS processes.
type OSController struct {
	Log zerolog.Logger

	// SupervisorCmd is the command line used to relaunch the workflow
	// supervisor, e.g. []string{"/usr/local/bin/ingestd", "--all"}.
	SupervisorCmd []string

	// GracePeriod is how long to wait after each termination signal
	// before inspecting for survivors. Defaults to 5s.
	GracePeriod time.Duration
}

var _ Controller = (*OSController)(nil)

func (c *OSController) grace() time.Duration {
	if c.GracePeriod > 0 {
		return c.GracePeriod
	}
	return 5 * time.Second
}

// Pause implements Controller.
func (c *OSController) Pause(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}

	c.signal(ctx, names, false)
	if err := c.waitQuiet(ctx, names); err == nil {
		return nil
	}

	c.Log.Warn().Strs("workflows", names).Msg("workflows survived termination signal, escalating")
	c.signal(ctx, names, true)
	if err := c.waitQuiet(ctx, names); err != nil {
		return fmt.Errorf("failed to quiesce workflows: %w", err)
	}
	return nil
}

// signal sends SIGTERM (or SIGKILL when force is set) to every process
// matching each name. pkill exits 1 when nothing matched, which is fine:
// an already-stopped workflow is already quiet.
func (c *OSController) signal(ctx context.Context, names []string, force bool) {
	for _, name := range names {
		args := []string{"-f", name}
		if force {
			args = append([]string{"-9"}, args...)
		}
		if err := exec.CommandContext(ctx, "pkill", args...).Run(); err != nil {
			c.Log.Debug().Str("workflow", name).Err(err).Msg("pkill reported no match")
		}
	}
}

func (c *OSController) waitQuiet(ctx context.Context, names []string) error {
	select {
	case <-time.After(c.grace()):
	case <-ctx.Done():
		return ctx.Err()
	}

	var survivors []string
	for _, name := range names {
		out, err := exec.CommandContext(ctx, "pgrep", "-f", name).Output()
		if err == nil && len(strings.TrimSpace(string(out))) > 0 {
			survivors = append(survivors, name)
		}
	}
	if len(survivors) > 0 {
		return fmt.Errorf("workflows still running: %s", strings.Join(survivors, ", "))
	}
	return nil
}

// Resume implements Controller.
func (c *OSController) Resume(ctx context.Context) error {
	if len(c.SupervisorCmd) == 0 {
		return fmt.Errorf("no supervisor command configured")
	}

	cmd := exec.Command(c.SupervisorCmd[0], c.SupervisorCmd[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch workflow supervisor: %w", err)
	}
	// Detach: the supervisor outlives this process.
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("failed to detach workflow supervisor: %w", err)
	}

	c.Log.Info().Strs("cmd", c.SupervisorCmd).Msg("workflow supervisor relaunched")
	return nil
}
