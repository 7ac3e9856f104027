package db

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ScanStatus represents the status of a scan
type ScanStatus string

const (
	ScanStatusPending   ScanStatus = "pending"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusPaused    ScanStatus = "paused"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
	ScanStatusStopped   ScanStatus = "stopped"
)

// ScanMode selects the coordination model used for a scan.
type ScanMode string

const (
	ScanModeOrchestrator ScanMode = "orchestrator"
	ScanModeSwarm        ScanMode = "swarm"
)

// Scan holds one automated penetration-testing run against a target.
type Scan struct {
	BaseModel
	Target       string     `gorm:"index;not null" json:"target"`
	Mode         ScanMode   `gorm:"size:20;not null;default:'orchestrator'" json:"mode"`
	Status       ScanStatus `gorm:"index;size:20;not null;default:'pending'" json:"status"`
	Error        string     `json:"error,omitempty"`
	Instructions string     `json:"instructions,omitempty"`
	Rounds       int        `json:"rounds"`
	Actions      int        `json:"actions"`
	TokensIn     int64      `json:"tokens_in"`
	TokensOut    int64      `json:"tokens_out"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// IsTerminal returns true if the scan reached a final state.
func (s *Scan) IsTerminal() bool {
	return s.Status == ScanStatusCompleted ||
		s.Status == ScanStatusFailed ||
		s.Status == ScanStatusStopped
}

// CreateScan saves a new scan record.
func (d *DatabaseConnection) CreateScan(scan *Scan) error {
	if scan.Target == "" {
		return fmt.Errorf("scan target is required")
	}
	return d.db.Create(scan).Error
}

// GetScan fetches a scan by ID.
func (d *DatabaseConnection) GetScan(id uint) (*Scan, error) {
	var scan Scan
	if err := d.db.First(&scan, id).Error; err != nil {
		return nil, err
	}
	return &scan, nil
}

// UpdateScanStatus transitions a scan to the given status. A non-empty
// errorMsg is recorded alongside. Terminal transitions stamp FinishedAt.
func (d *DatabaseConnection) UpdateScanStatus(id uint, status ScanStatus, errorMsg string) error {
	updates := map[string]interface{}{"status": status}
	if errorMsg != "" {
		updates["error"] = errorMsg
	}
	switch status {
	case ScanStatusRunning:
		now := time.Now()
		updates["started_at"] = &now
	case ScanStatusCompleted, ScanStatusFailed, ScanStatusStopped:
		now := time.Now()
		updates["finished_at"] = &now
	}
	err := d.db.Model(&Scan{}).Where("id = ?", id).Updates(updates).Error
	if err != nil {
		log.Error().Err(err).Uint("scan_id", id).Str("status", string(status)).Msg("Failed to update scan status")
	}
	return err
}

// UpdateScanProgress persists round/action counters and token usage.
func (d *DatabaseConnection) UpdateScanProgress(id uint, rounds, actions int, tokensIn, tokensOut int64) error {
	return d.db.Model(&Scan{}).Where("id = ?", id).Updates(map[string]interface{}{
		"rounds":     rounds,
		"actions":    actions,
		"tokens_in":  tokensIn,
		"tokens_out": tokensOut,
	}).Error
}

// ListScans lists scans, newest first.
func (d *DatabaseConnection) ListScans() ([]*Scan, error) {
	var scans []*Scan
	err := d.db.Order("created_at desc").Find(&scans).Error
	return scans, err
}
