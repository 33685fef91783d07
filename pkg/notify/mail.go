// Package notify delivers failure alerts through the host's mail tooling.
package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/juju/errors"
)

var log = logging.Logger("notify")

// SendFailureAlert emails a replication failure notice. It tries sendmail
// first and falls back to the mail command; if neither delivers, the error
// is returned so the caller can log it. Alerting never affects the run's
// recorded outcome.
func SendFailureAlert(ctx context.Context, email, taskName, errMsg string) error {
	subject := fmt.Sprintf("Replication failed: %s", taskName)
	body := buildFailureMessage(email, taskName, errMsg, time.Now())

	if path, err := exec.LookPath("sendmail"); err == nil {
		cmd := exec.CommandContext(ctx, path, "-t")
		cmd.Stdin = strings.NewReader(body)
		if err := cmd.Run(); err == nil {
			return nil
		} else {
			log.Debugw("sendmail delivery failed, trying mail", "error", err)
		}
	}

	path, err := exec.LookPath("mail")
	if err != nil {
		return errors.New("no mail transport available (tried sendmail, mail)")
	}
	cmd := exec.CommandContext(ctx, path, "-s", subject, email)
	cmd.Stdin = strings.NewReader(failureBody(taskName, errMsg, time.Now()))
	if err := cmd.Run(); err != nil {
		return errors.Annotate(err, "mail delivery failed")
	}
	return nil
}

// buildFailureMessage renders a complete RFC 2822 style message for
// sendmail -t.
func buildFailureMessage(email, taskName, errMsg string, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\n", email)
	fmt.Fprintf(&b, "Subject: Replication failed: %s\n", taskName)
	b.WriteString("\n")
	b.WriteString(failureBody(taskName, errMsg, at))
	return b.String()
}

func failureBody(taskName, errMsg string, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Replication task %q failed.\n\n", taskName)
	fmt.Fprintf(&b, "Time:  %s\n", at.Format(time.RFC3339))
	fmt.Fprintf(&b, "Error: %s\n", errMsg)
	return b.String()
}
