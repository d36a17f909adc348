package safety

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Severity labels a rollback step for the operator. Constraint and data
// steps are critical; bookkeeping steps are standard.
type Severity string

const (
	SeverityStandard Severity = "standard"
	SeverityCritical Severity = "critical"
)

// Step is one ordered action of a rollback plan.
type Step struct {
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}

// RollbackPlan is derived deterministically from a backup and never stored.
type RollbackPlan struct {
	BackupID     string        `json:"backup_id"`
	Steps        []Step        `json:"steps"`
	EstimatedMin time.Duration `json:"estimated_min"`
	EstimatedMax time.Duration `json:"estimated_max"`
}

// planSteps is the fixed step template every rollback follows. The executor
// in rollback.go runs these in order; the two lists must stay in step.
func planSteps(tables []string) []Step {
	return []Step{
		{Description: "snapshot current state to a safety backup", Severity: SeverityStandard},
		{Description: "disable referential constraints", Severity: SeverityCritical},
		{Description: fmt.Sprintf("clear %d tables touched by the migration", len(tables)), Severity: SeverityCritical},
		{Description: "restore table structures removed by the migration", Severity: SeverityCritical},
		{Description: "restore backed-up rows", Severity: SeverityCritical},
		{Description: "re-enable referential constraints", Severity: SeverityCritical},
		{Description: "run final health check", Severity: SeverityStandard},
	}
}

// GenerateRollbackPlan derives the plan for backupID. The same backup always
// yields the same plan.
func (m *Manager) GenerateRollbackPlan(backupID string) (*RollbackPlan, error) {
	backup, err := m.LoadBackup(backupID)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, n := range backup.RecordCounts {
		total += n
	}
	// Rough restore throughput estimate; the range is what the operator sees
	// before confirming.
	perThousand := 2 * time.Second
	est := time.Duration(total/1000+1) * perThousand

	m.mu.Lock()
	m.state = StateRollbackPlanned
	m.mu.Unlock()

	return &RollbackPlan{
		BackupID:     backupID,
		Steps:        planSteps(backup.Tables),
		EstimatedMin: est,
		EstimatedMax: 3 * est,
	}, nil
}

// ConfirmationToken returns the token an operator must echo back to execute
// a rollback of backupID. It is derived from the backup's identity, so the
// tool can print and later verify it without storing state, and a token for
// one backup can never authorize another.
func (m *Manager) ConfirmationToken(backupID string) (string, error) {
	backup, err := m.LoadBackup(backupID)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte("rollback-confirmation\x00" + backup.ID + "\x00" + backup.CreatedAt.Format(time.RFC3339Nano)))
	return "ROLLBACK-" + hex.EncodeToString(sum[:4]), nil
}
