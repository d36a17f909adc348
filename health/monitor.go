// Package health validates the local replica: table existence, record
// counts, and referential-integrity spot checks. Reports are produced fresh
// on every check and logged, never persisted as authoritative state.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jp2507-max/canabro-sync/localstore"
)

// Report is the outcome of a single health check.
type Report struct {
	Timestamp    time.Time      `json:"timestamp"`
	TablesExist  bool           `json:"tables_exist"`
	IntegrityOK  bool           `json:"integrity_ok"`
	RecordCounts map[string]int `json:"record_counts"`
	Errors       []string       `json:"errors,omitempty"`
}

// Healthy reports whether every validation passed.
func (r Report) Healthy() bool {
	return r.TablesExist && r.IntegrityOK && len(r.Errors) == 0
}

// Monitor runs validations against one store. Construct with NewMonitor and
// pass by reference; the monitor never mutates the store.
type Monitor struct {
	store  *localstore.Store
	logger *slog.Logger
}

// NewMonitor builds a monitor over store.
func NewMonitor(store *localstore.Store, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{store: store, logger: logger}
}

// Check runs one synchronous validation pass. A missing table is recorded
// and checking continues with the remaining tables; violations are reported,
// never auto-repaired.
func (m *Monitor) Check(ctx context.Context) Report {
	report := Report{
		Timestamp:    time.Now(),
		TablesExist:  true,
		IntegrityOK:  true,
		RecordCounts: map[string]int{},
	}

	schema := m.store.Schema()
	present := map[string]bool{}

	for _, name := range schema.TableNames() {
		exists, err := m.tableExists(ctx, name)
		if err != nil {
			report.TablesExist = false
			report.Errors = append(report.Errors, fmt.Sprintf("table %s: %v", name, err))
			continue
		}
		if !exists {
			report.TablesExist = false
			report.Errors = append(report.Errors, fmt.Sprintf("table %s: missing", name))
			continue
		}
		present[name] = true

		var count int
		err = m.store.DB().QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %q`, name)).Scan(&count)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("table %s: count failed: %v", name, err))
			continue
		}
		report.RecordCounts[name] = count
	}

	for _, spec := range schema.Tables {
		if !present[spec.Name] {
			continue
		}
		for _, ref := range spec.References {
			if !present[ref.Parent] {
				continue
			}
			orphans, err := m.countOrphans(ctx, spec.Name, ref)
			if err != nil {
				report.IntegrityOK = false
				report.Errors = append(report.Errors,
					fmt.Sprintf("table %s: integrity check %s -> %s failed: %v", spec.Name, ref.Column, ref.Parent, err))
				continue
			}
			if orphans > 0 {
				report.IntegrityOK = false
				report.Errors = append(report.Errors,
					fmt.Sprintf("table %s: %d rows reference missing %s via %s", spec.Name, orphans, ref.Parent, ref.Column))
			}
		}
	}

	if report.Healthy() {
		m.logger.Debug("health check passed", "tables", len(report.RecordCounts))
	} else {
		m.logger.Warn("health check failed",
			"tables_exist", report.TablesExist, "integrity_ok", report.IntegrityOK, "errors", report.Errors)
	}
	return report
}

// StartMonitoring repeats Check on the given interval until the returned
// stop function is called or ctx is cancelled. Stop takes effect before the
// next tick; checks never overlap. Each report is delivered to onReport if
// non-nil.
func (m *Monitor) StartMonitoring(ctx context.Context, interval time.Duration, onReport func(Report)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report := m.Check(ctx)
				if onReport != nil {
					onReport(report)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (m *Monitor) tableExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := m.store.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// countOrphans counts live child rows whose foreign key does not resolve to
// any parent row. Tombstoned children are skipped: their references are
// allowed to dangle until compaction. Tombstoned parents still satisfy the
// reference, matching the store's retention of deleted rows.
func (m *Monitor) countOrphans(ctx context.Context, table string, ref localstore.Reference) (int, error) {
	q := fmt.Sprintf(`
		SELECT COUNT(*) FROM %q c
		WHERE c.deleted_at_ms IS NULL
		  AND c.%q IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM %q p WHERE p.id = c.%q)
	`, table, ref.Column, ref.Parent, ref.Column)

	var n int
	if err := m.store.DB().QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
