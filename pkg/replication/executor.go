package replication

import (
	"context"
	"os/exec"

	"github.com/juju/errors"
)

// Executor replicates one storage backend. Implementations drive the
// backend's native tooling and report progress through the owning manager.
type Executor interface {
	// Name identifies the backend in logs and errors.
	Name() string
	// Available reports whether the backend's tooling exists on this host.
	Available() error
	// Replicate runs one transfer attempt and returns the bytes moved.
	Replicate(ctx context.Context, task *ExtendedTask, isRetry bool) (uint64, error)
	// Verify checks the target after a successful transfer.
	Verify(ctx context.Context, task *ExtendedTask) error
}

func defaultExecutors(m *Manager) map[StorageType]Executor {
	return map[StorageType]Executor{
		StorageZfs:       &zfsExecutor{m: m},
		StorageBtrfs:     &btrfsExecutor{m: m},
		StorageDirectory: &rsyncExecutor{m: m},
	}
}

// requireBinaries checks that every named tool is on PATH.
func requireBinaries(names ...string) error {
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			return errors.NotFoundf("required tool %q", name)
		}
	}
	return nil
}

func binaryExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
