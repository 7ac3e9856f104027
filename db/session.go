package db

// Session holds authentication material captured by an agent during a run.
type Session struct {
	BaseModel
	ScanID  uint   `gorm:"index;not null" json:"scan_id"`
	AgentID string `json:"agent_id"`
	Label   string `json:"label"`
	Token   string `json:"token"`
	Cookies string `json:"cookies,omitempty"`
}

// CreateSession saves a captured session.
func (d *DatabaseConnection) CreateSession(session *Session) error {
	return d.db.Create(session).Error
}

// GetSessionsByScan lists sessions captured during a scan.
func (d *DatabaseConnection) GetSessionsByScan(scanID uint) ([]*Session, error) {
	var sessions []*Session
	err := d.db.Where("scan_id = ?", scanID).Order("created_at asc").Find(&sessions).Error
	return sessions, err
}
