package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ListBackups returns every backup under the manager's directory, newest
// first. Directories without a readable manifest are skipped with a warning
// rather than failing the listing.
func (m *Manager) ListBackups() ([]*Backup, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list backup directory: %w", err)
	}

	var backups []*Backup
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		backup, err := m.LoadBackup(entry.Name())
		if err != nil {
			m.logger.Warn("skipping unreadable backup", "dir", entry.Name(), "error", err)
			continue
		}
		backups = append(backups, backup)
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// CleanupRetention removes the oldest backups beyond the keep newest ones and
// returns the ids it deleted. keep < 1 is rejected: retention must never be
// able to wipe every backup.
func (m *Manager) CleanupRetention(keep int) ([]string, error) {
	if keep < 1 {
		return nil, fmt.Errorf("safety: retention must keep at least one backup, got %d", keep)
	}

	backups, err := m.ListBackups()
	if err != nil {
		return nil, err
	}
	if len(backups) <= keep {
		return nil, nil
	}

	var removed []string
	for _, backup := range backups[keep:] {
		if err := os.RemoveAll(filepath.Join(m.dir, backup.ID)); err != nil {
			return removed, fmt.Errorf("failed to remove backup %s: %w", backup.ID, err)
		}
		m.logger.Info("removed expired backup", "id", backup.ID, "created_at", backup.CreatedAt)
		removed = append(removed, backup.ID)
	}
	return removed, nil
}
