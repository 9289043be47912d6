package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/narvanalabs/fleetdeploy/internal/models"
	"github.com/narvanalabs/fleetdeploy/internal/runtime"
)

const backupTimeLayout = "2006-01-02_15-04-05"

// BackupFileName names the export of container id taken at t. The time is
// encoded in UTC.
func BackupFileName(id string, t time.Time) string {
	return fmt.Sprintf("container_%s_%s.tar", runtime.ShortID(id), t.UTC().Format(backupTimeLayout))
}

// backupTakenAt recovers the timestamp BackupFileName encoded into name.
func backupTakenAt(name string) (time.Time, bool) {
	base := strings.TrimSuffix(name, ".tar")
	if len(base) < len(backupTimeLayout) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(backupTimeLayout, base[len(base)-len(backupTimeLayout):], time.UTC)
	return t, err == nil
}

// RestoredName is the name a container gets when restored from its backup.
func RestoredName(id string) string {
	return "restored_" + runtime.ShortID(id)
}

// backupContainers exports every manifest container that exists and is
// running. Failures are logged and skipped.
func (e *Executor) backupContainers(ctx context.Context, m *Manifest) []models.Backup {
	if err := os.MkdirAll(e.cfg.BackupDir, 0o755); err != nil {
		e.logger.Warn("cannot create backup directory", "dir", e.cfg.BackupDir, "error", err)
		return nil
	}

	var backups []models.Backup
	for _, c := range m.ContainersToUpdate {
		info, err := e.runtime.Inspect(ctx, c.Name)
		if errors.Is(err, runtime.ErrNotFound) {
			e.logger.Info("container not present, nothing to back up", "container", c.Name)
			continue
		}
		if err != nil {
			e.logger.Warn("inspect before backup failed", "container", c.Name, "error", err)
			continue
		}
		if !info.IsRunning() {
			continue
		}

		now := e.clock.Now()
		path := filepath.Join(e.cfg.BackupDir, BackupFileName(info.ID, now))
		if err := e.runtime.Export(ctx, info.ID, path); err != nil {
			e.logger.Warn("backup failed", "container", c.Name, "error", err)
			os.Remove(path)
			continue
		}
		backups = append(backups, models.Backup{
			ContainerID: info.ID,
			Name:        info.Name,
			Image:       info.Image,
			BackupPath:  path,
			CreatedAt:   now,
		})
		e.logger.Info("container backed up", "container", c.Name, "path", path)
	}
	return backups
}

// restore imports every backup under its recovery name. It returns the
// first error but attempts all of them.
func (e *Executor) restore(ctx context.Context, backups []models.Backup) error {
	var errs []error
	for _, b := range backups {
		name := RestoredName(b.ContainerID)
		// a half-created replacement may hold the original name; the
		// recovery name never collides with it
		if _, err := e.runtime.Import(ctx, b.BackupPath, name); err != nil {
			e.logger.Error("restore failed", "container", b.Name, "backup", b.BackupPath, "error", err)
			errs = append(errs, fmt.Errorf("restoring %s: %w", b.Name, err))
			continue
		}
		e.logger.Info("container restored", "container", b.Name, "restored_as", name)
	}
	return errors.Join(errs...)
}

// PruneBackups deletes backups older than the retention window and returns
// how many were removed. It is a no-op while an update is being applied.
func (e *Executor) PruneBackups(ctx context.Context) (int, error) {
	if !e.mu.TryLock() {
		e.logger.Debug("update in progress, skipping backup sweep")
		return 0, nil
	}
	defer e.mu.Unlock()
	return e.pruneBackupsLocked(ctx)
}

func (e *Executor) pruneBackupsLocked(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(e.cfg.BackupDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading backup directory: %w", err)
	}

	cutoff := e.clock.Now().Add(-e.cfg.BackupRetention)
	removed := 0
	var errs []error
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "container_") || !strings.HasSuffix(name, ".tar") {
			continue
		}
		taken, ok := backupTakenAt(name)
		if !ok {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			taken = info.ModTime()
		}
		if !taken.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(e.cfg.BackupDir, name)); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		e.logger.Info("old backups removed", "count", removed, "older_than", cutoff)
	}
	return removed, errors.Join(errs...)
}
