package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PluginInfo is the descriptor snapshot attached to a session when the scan
// is created. Weight selects the plugin queue (heavy, light or default).
type PluginInfo struct {
	Class   string `json:"class"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Weight  string `json:"weight"`
}

// PlanSnapshot pins the plan identity a scan was created from.
type PlanSnapshot struct {
	Name     string `json:"name"`
	Revision int    `json:"revision"`
}

type ScanMeta struct {
	User string      `json:"user"`
	Tags StringSlice `json:"tags"`
}

// Scan is the root aggregate of one plan execution against one target.
type Scan struct {
	BaseUUIDModel
	State         ScanState      `gorm:"index;size:20;not null;default:'CREATED'" json:"state"`
	Target        string         `gorm:"index;size:255" json:"-"`
	PlanName      string         `gorm:"index;size:255" json:"-"`
	Plan          PlanSnapshot   `gorm:"serializer:json" json:"plan"`
	Configuration datatypes.JSON `json:"configuration"`
	Meta          ScanMeta       `gorm:"serializer:json" json:"meta"`
	Failure       *Failure       `json:"failure,omitempty"`
	Correlated    bool           `json:"-"`
	QueuedAt      *time.Time     `json:"queued_at,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	Sessions      []Session      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"sessions"`
}

// Session is one plugin execution inside a scan, ordered by workflow position.
type Session struct {
	BaseUUIDModel
	ScanID        uuid.UUID      `gorm:"type:uuid;index;not null" json:"-"`
	Position      int            `gorm:"not null;default:0" json:"-"`
	State         SessionState   `gorm:"index;size:20;not null;default:'CREATED'" json:"state"`
	Plugin        PluginInfo     `gorm:"serializer:json" json:"plugin"`
	Configuration datatypes.JSON `json:"configuration"`
	Description   string         `json:"description"`
	TaskID        string         `gorm:"size:64" json:"-"`
	IssueRefs     StringSlice    `gorm:"type:text" json:"issues"`
	Artifacts     ArtifactSlice  `gorm:"type:text" json:"artifacts"`
	Failure       *Failure       `json:"failure,omitempty"`
	QueuedAt      *time.Time     `json:"queued_at,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}

type scanCallback struct {
	Callback struct {
		URL string `json:"url"`
	} `json:"callback"`
}

// CallbackURL returns configuration.callback.url if the scan carries one.
func (s *Scan) CallbackURL() string {
	if len(s.Configuration) == 0 {
		return ""
	}
	var cfg scanCallback
	if err := json.Unmarshal(s.Configuration, &cfg); err != nil {
		return ""
	}
	return cfg.Callback.URL
}

// IssueIDs returns every issue id referenced by the scan's sessions, in
// session order, deduplicated.
func (s *Scan) IssueIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, session := range s.Sessions {
		for _, ref := range session.IssueRefs {
			if _, ok := seen[ref]; ok {
				continue
			}
			seen[ref] = struct{}{}
			ids = append(ids, ref)
		}
	}
	return ids
}

// MergeConfigurations overlays the scan configuration on top of a plan step
// configuration. Top-level scan keys win.
func MergeConfigurations(step map[string]interface{}, scan map[string]interface{}) (datatypes.JSON, error) {
	merged := make(map[string]interface{}, len(step)+len(scan))
	for k, v := range step {
		merged[k] = v
	}
	for k, v := range scan {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(out), nil
}

func sessionOrder(db *gorm.DB) *gorm.DB {
	return db.Order("sessions.position ASC")
}

// CreateScan persists a scan together with its sessions.
func (d *DatabaseConnection) CreateScan(scan *Scan) (*Scan, error) {
	result := d.db.Create(scan)
	if result.Error != nil {
		log.Error().Err(result.Error).Msg("Scan creation failed")
	}
	return scan, result.Error
}

// GetScan returns the current persisted snapshot of a scan, sessions in
// workflow order.
func (d *DatabaseConnection) GetScan(id uuid.UUID) (*Scan, error) {
	var scan Scan
	err := d.db.Preload("Sessions", sessionOrder).First(&scan, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &scan, nil
}

// GetSession returns a single session row.
func (d *DatabaseConnection) GetSession(id uuid.UUID) (*Session, error) {
	var session Session
	err := d.db.First(&session, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// SetScanFields applies a field-level patch to a scan document.
func (d *DatabaseConnection) SetScanFields(id uuid.UUID, fields map[string]interface{}) error {
	return d.db.Model(&Scan{}).Where("id = ?", id).Updates(fields).Error
}

// TransitionScan applies the patch only when the scan is in the expected
// state. Returns false when the precondition did not hold, which makes the
// QUEUED claim race-free across duplicate workflow deliveries.
func (d *DatabaseConnection) TransitionScan(id uuid.UUID, from ScanState, fields map[string]interface{}) (bool, error) {
	result := d.db.Model(&Scan{}).Where("id = ? AND state = ?", id, from).Updates(fields)
	return result.RowsAffected > 0, result.Error
}

// PatchScanUnlessTerminal applies the patch only while the scan has not
// reached a terminal state. The first terminal write wins; later ones no-op.
func (d *DatabaseConnection) PatchScanUnlessTerminal(id uuid.UUID, fields map[string]interface{}) (bool, error) {
	result := d.db.Model(&Scan{}).
		Where("id = ? AND state NOT IN ?", id, ScanTerminalStates).
		Updates(fields)
	return result.RowsAffected > 0, result.Error
}

// PatchSessionUnlessTerminal is the session counterpart of
// PatchScanUnlessTerminal.
func (d *DatabaseConnection) PatchSessionUnlessTerminal(id uuid.UUID, fields map[string]interface{}) (bool, error) {
	result := d.db.Model(&Session{}).
		Where("id = ? AND state NOT IN ?", id, SessionTerminalStates).
		Updates(fields)
	return result.RowsAffected > 0, result.Error
}

// CancelCreatedSessions marks every session of the scan that never left
// CREATED as CANCELLED. Once a scan is terminal those sessions will not be
// executed anymore. Returns how many sessions were swept.
func (d *DatabaseConnection) CancelCreatedSessions(scanID uuid.UUID, finishedAt time.Time) (int64, error) {
	result := d.db.Model(&Session{}).
		Where("scan_id = ? AND state = ?", scanID, SessionStateCreated).
		Updates(map[string]interface{}{
			"state":       SessionStateCancelled,
			"finished_at": &finishedAt,
		})
	return result.RowsAffected, result.Error
}

// SetSessionFields applies a field-level patch to a session document.
func (d *DatabaseConnection) SetSessionFields(id uuid.UUID, fields map[string]interface{}) error {
	return d.db.Model(&Session{}).Where("id = ?", id).Updates(fields).Error
}

// PushSessionIssueRef appends an issue id to the session's ordered reference
// list. Appending an id that is already referenced is a no-op.
func (d *DatabaseConnection) PushSessionIssueRef(sessionID uuid.UUID, issueID string) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		var session Session
		if err := tx.First(&session, "id = ?", sessionID).Error; err != nil {
			return err
		}
		for _, ref := range session.IssueRefs {
			if ref == issueID {
				return nil
			}
		}
		refs := append(session.IssueRefs, issueID)
		return tx.Model(&Session{}).Where("id = ?", sessionID).Update("issue_refs", refs).Error
	})
}

// PushSessionArtifact appends a plugin-reported artifact to the session.
func (d *DatabaseConnection) PushSessionArtifact(sessionID uuid.UUID, artifact Artifact) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		var session Session
		if err := tx.First(&session, "id = ?", sessionID).Error; err != nil {
			return err
		}
		artifacts := append(session.Artifacts, artifact)
		return tx.Model(&Session{}).Where("id = ?", sessionID).Update("artifacts", artifacts).Error
	})
}

// FindScansFor returns the scans launched against a target with a given
// plan, most recent first. The correlator reads the first two.
func (d *DatabaseConnection) FindScansFor(target, planName string, limit int) ([]*Scan, error) {
	var scans []*Scan
	query := d.db.Preload("Sessions", sessionOrder).
		Where("target = ? AND plan_name = ?", target, planName).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&scans).Error
	return scans, err
}

// ScanFilter represents available scan filters
type ScanFilter struct {
	Target       string      `json:"target" validate:"omitempty"`
	PlanName     string      `json:"plan_name" validate:"omitempty"`
	States       []ScanState `json:"states" validate:"omitempty"`
	QueuedBefore *time.Time  `json:"queued_before" validate:"omitempty"`
	Pagination   Pagination  `json:"pagination"`
}

// ListScans lists scans with filters, most recent first.
func (d *DatabaseConnection) ListScans(filter ScanFilter) (items []*Scan, count int64, err error) {
	query := d.db.Model(&Scan{})

	if filter.Target != "" {
		query = query.Where("target = ?", filter.Target)
	}

	if filter.PlanName != "" {
		query = query.Where("plan_name = ?", filter.PlanName)
	}

	if len(filter.States) > 0 {
		query = query.Where("state IN ?", filter.States)
	}

	if filter.QueuedBefore != nil {
		query = query.Where("queued_at < ?", filter.QueuedBefore)
	}

	if err := query.Count(&count).Error; err != nil {
		return nil, 0, err
	}

	err = query.Scopes(Paginate(&filter.Pagination)).
		Order("created_at desc").
		Preload("Sessions", sessionOrder).
		Find(&items).Error
	return items, count, err
}

// DeleteScan removes a scan, its sessions, and every issue that no other
// scan's sessions reference.
func (d *DatabaseConnection) DeleteScan(id uuid.UUID) error {
	scan, err := d.GetScan(id)
	if err != nil {
		return err
	}
	return d.db.Transaction(func(tx *gorm.DB) error {
		for _, ref := range scan.IssueIDs() {
			var count int64
			if err := tx.Model(&Session{}).
				Where("scan_id <> ? AND issue_refs LIKE ?", id, "%"+ref+"%").
				Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				if err := tx.Delete(&Issue{}, "id = ?", ref).Error; err != nil {
					return err
				}
			}
		}
		if err := tx.Delete(&Session{}, "scan_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&Scan{}, "id = ?", id).Error
	})
}

// IssuesStats groups open issue counts by severity.
type IssuesStats struct {
	High   int64 `json:"high"`
	Medium int64 `json:"medium"`
	Low    int64 `json:"low"`
	Info   int64 `json:"info"`
}

// ScanIssueStats counts the issues referenced by a scan, grouped by severity.
// Issues tagged Fixed, FalsePositive or Ignored are not counted.
func (d *DatabaseConnection) ScanIssueStats(scan *Scan) (IssuesStats, error) {
	var stats IssuesStats
	ids := scan.IssueIDs()
	if len(ids) == 0 {
		return stats, nil
	}

	issueCounts := map[severity]int64{}
	rows, err := d.db.Model(&Issue{}).
		Select("severity, COUNT(*) as count").
		Where("id IN ?", ids).
		Where("status NOT IN ?", []IssueStatus{IssueStatusFixed, IssueStatusFalsePositive, IssueStatusIgnored}).
		Group("severity").Rows()
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var sev severity
		var count int64
		if err := rows.Scan(&sev, &count); err != nil {
			return stats, err
		}
		issueCounts[sev] = count
	}

	stats.High = issueCounts[High]
	stats.Medium = issueCounts[Medium]
	stats.Low = issueCounts[Low]
	stats.Info = issueCounts[Info]
	return stats, nil
}

// SessionSummary is the reduced session view used in scan summaries.
type SessionSummary struct {
	ID     uuid.UUID    `json:"id"`
	State  SessionState `json:"state"`
	Plugin PluginInfo   `json:"plugin"`
}

// ScanSummaryView is the reduced scan representation served by list
// endpoints: session states without detail, plus severity counts of the
// scan's open issues.
type ScanSummaryView struct {
	ID            uuid.UUID        `json:"id"`
	State         ScanState        `json:"state"`
	Plan          PlanSnapshot     `json:"plan"`
	Meta          ScanMeta         `json:"meta"`
	Configuration datatypes.JSON   `json:"configuration"`
	CreatedAt     time.Time        `json:"created_at"`
	QueuedAt      *time.Time       `json:"queued_at,omitempty"`
	FinishedAt    *time.Time       `json:"finished_at,omitempty"`
	Sessions      []SessionSummary `json:"sessions"`
	Issues        IssuesStats      `json:"issues"`
}

// ScanSummary builds the summary view for one scan.
func (d *DatabaseConnection) ScanSummary(scan *Scan) (*ScanSummaryView, error) {
	stats, err := d.ScanIssueStats(scan)
	if err != nil {
		return nil, err
	}
	summary := &ScanSummaryView{
		ID:            scan.ID,
		State:         scan.State,
		Plan:          scan.Plan,
		Meta:          scan.Meta,
		Configuration: scan.Configuration,
		CreatedAt:     scan.CreatedAt,
		QueuedAt:      scan.QueuedAt,
		FinishedAt:    scan.FinishedAt,
		Sessions:      make([]SessionSummary, 0, len(scan.Sessions)),
		Issues:        stats,
	}
	for _, session := range scan.Sessions {
		summary.Sessions = append(summary.Sessions, SessionSummary{
			ID:     session.ID,
			State:  session.State,
			Plugin: session.Plugin,
		})
	}
	return summary, nil
}
