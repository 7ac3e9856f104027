package db

import (
	"sort"

	"github.com/rs/zerolog/log"
)

// Vulnerability holds a confirmed (or flagged-unverified) finding.
// The (scan_id, vuln_type, path) triple is the deduplication key: two
// findings for the same root cause collapse into a single stored record.
type Vulnerability struct {
	BaseUUIDModel
	ScanID         uint        `gorm:"index;not null" json:"scan_id"`
	Name           string      `gorm:"index" json:"name"`
	VulnType       string      `gorm:"index;size:40" json:"vuln_type"`
	Path           string      `gorm:"index" json:"path"`
	Parameter      string      `json:"parameter,omitempty"`
	Severity       severity    `gorm:"size:20;default:'Info'" json:"severity"`
	CVSSVector     string      `json:"cvss_vector"`
	CVSSScore      float64     `json:"cvss_score"`
	Cwe            int         `json:"cwe"`
	CweName        string      `json:"cwe_name"`
	Description    string      `json:"description"`
	Impact         string      `json:"impact"`
	Remediation    string      `json:"remediation"`
	ProofOfConcept StringSlice `json:"proof_of_concept"`
	URL            string      `gorm:"index" json:"url"`
	HTTPMethod     string      `gorm:"size:10" json:"http_method"`
	Payload        string      `json:"payload,omitempty"`
	Request        []byte      `json:"request,omitempty"`
	Response       []byte      `json:"response,omitempty"`
	AgentID        string      `json:"agent_id,omitempty"`
	Verified       bool        `json:"verified"`
	Confidence     int         `json:"confidence"`
	Note           string      `json:"note,omitempty"`
}

// CreateVulnerability saves a finding, deduplicated on the
// (scan_id, vuln_type, path) triple. The stored record is returned; when a
// duplicate existed, the existing record is returned unchanged.
func (d *DatabaseConnection) CreateVulnerability(vuln Vulnerability) (Vulnerability, bool, error) {
	var existing Vulnerability
	err := d.db.Where("scan_id = ? AND vuln_type = ? AND path = ?",
		vuln.ScanID, vuln.VulnType, vuln.Path).First(&existing).Error
	if err == nil {
		log.Debug().
			Str("name", vuln.Name).
			Str("vuln_type", vuln.VulnType).
			Str("path", vuln.Path).
			Msg("Duplicate finding skipped")
		return existing, false, nil
	}

	if err := d.db.Create(&vuln).Error; err != nil {
		log.Error().Err(err).Str("name", vuln.Name).Str("url", vuln.URL).Msg("Failed to create vulnerability")
		return vuln, false, err
	}
	log.Warn().
		Str("id", vuln.ID.String()).
		Str("name", vuln.Name).
		Str("severity", vuln.Severity.String()).
		Str("url", vuln.URL).
		Msg("New finding stored")
	return vuln, true, nil
}

// GetVulnerabilitiesByScan lists findings for a scan, most severe first, ties
// in discovery order.
func (d *DatabaseConnection) GetVulnerabilitiesByScan(scanID uint) ([]*Vulnerability, error) {
	var vulns []*Vulnerability
	if err := d.db.Where("scan_id = ?", scanID).Order("created_at asc").Find(&vulns).Error; err != nil {
		return nil, err
	}
	sort.SliceStable(vulns, func(i, j int) bool {
		return GetSeverityOrder(vulns[i].Severity.String()) < GetSeverityOrder(vulns[j].Severity.String())
	})
	return vulns, nil
}

// CountVulnerabilitiesByScan returns the number of stored findings for a scan.
func (d *DatabaseConnection) CountVulnerabilitiesByScan(scanID uint) (int64, error) {
	var count int64
	err := d.db.Model(&Vulnerability{}).Where("scan_id = ?", scanID).Count(&count).Error
	return count, err
}
