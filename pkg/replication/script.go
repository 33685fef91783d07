package replication

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/juju/errors"
)

// runHookScript executes a task's pre or post script through the shell with
// the task's identity exported in the environment. A non-zero exit aborts
// the attempt.
func runHookScript(ctx context.Context, task *ExtendedTask, script string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Env = append(os.Environ(),
		"REPL_TASK_ID="+task.ID,
		"REPL_TASK_NAME="+task.Name,
		"REPL_SOURCE_DATASET="+task.SourceDataset,
		"REPL_TARGET_HOST="+task.TargetHost,
		"REPL_TARGET_DATASET="+task.TargetDataset,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return errors.Annotatef(err, "script %q: %s", script, msg)
		}
		return errors.Annotatef(err, "script %q", script)
	}
	return nil
}
