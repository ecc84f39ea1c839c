package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Issue is a finding reported by a plugin. Issues are global documents keyed
// by a stable, plugin-derived id; successive scans that reference the same id
// share one document. Field names follow the plugin wire protocol.
type Issue struct {
	ID             string         `gorm:"primaryKey;size:128" json:"Id"`
	CreatedAt      time.Time      `json:"-"`
	UpdatedAt      time.Time      `json:"-"`
	Code           string         `gorm:"index;size:64" json:"Code,omitempty"`
	Summary        string         `gorm:"index" json:"Summary"`
	Description    string         `json:"Description,omitempty"`
	Solution       string         `json:"Solution,omitempty"`
	Severity       severity       `gorm:"index;size:20;default:'Info'" json:"Severity"`
	Status         IssueStatus    `gorm:"index;size:20" json:"Status,omitempty"`
	OldStatus      IssueStatus    `gorm:"size:20" json:"OldStatus,omitempty"`
	URLs           StringSlice    `gorm:"type:text" json:"URLs,omitempty"`
	Ports          IntSlice       `gorm:"type:text" json:"Ports,omitempty"`
	Classification datatypes.JSON `json:"Classification,omitempty"`
	FurtherInfo    datatypes.JSON `json:"FurtherInfo,omitempty"`
}

func (i *Issue) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	return nil
}

// UpsertIssue inserts the issue if its id is unknown; otherwise it patches
// Severity only. Status and OldStatus belong to the correlator and the tag
// endpoint.
func (d *DatabaseConnection) UpsertIssue(issue *Issue) error {
	var existing Issue
	err := d.db.Select("id").First(&existing, "id = ?", issue.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		result := d.db.Create(issue)
		if result.Error != nil {
			log.Error().Err(result.Error).Str("issue", issue.ID).Msg("Issue creation failed")
		}
		return result.Error
	}
	if err != nil {
		return err
	}
	return d.db.Model(&Issue{}).Where("id = ?", issue.ID).Update("severity", issue.Severity).Error
}

// GetIssue returns a single issue by id.
func (d *DatabaseConnection) GetIssue(id string) (Issue, error) {
	var issue Issue
	err := d.db.First(&issue, "id = ?", id).Error
	return issue, err
}

// GetIssuesByIDs returns the issues for the given ids, most severe first.
func (d *DatabaseConnection) GetIssuesByIDs(ids []string) ([]*Issue, error) {
	var issues []*Issue
	if len(ids) == 0 {
		return issues, nil
	}
	err := d.db.Where("id IN ?", ids).Order(severityOrderQuery).Find(&issues).Error
	return issues, err
}

// SetIssueStatus writes the correlator-owned status pair.
func (d *DatabaseConnection) SetIssueStatus(id string, status, oldStatus IssueStatus) error {
	return d.db.Model(&Issue{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     status,
		"old_status": oldStatus,
	}).Error
}

// TagIssue applies or removes a user tag. Tagging records the prior status in
// OldStatus; untagging swaps the prior status back.
func (d *DatabaseConnection) TagIssue(id string, status IssueStatus, tagged bool) (Issue, error) {
	issue, err := d.GetIssue(id)
	if err != nil {
		return issue, err
	}
	newStatus := issue.OldStatus
	if tagged {
		newStatus = status
	}
	err = d.db.Model(&Issue{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     newStatus,
		"old_status": issue.Status,
	}).Error
	if err != nil {
		return issue, err
	}
	return d.GetIssue(id)
}

// IssueFilter represents available issue filters
type IssueFilter struct {
	Codes      []string      `json:"codes" validate:"omitempty"`
	Statuses   []IssueStatus `json:"statuses" validate:"omitempty"`
	Severities []string      `json:"severities" validate:"omitempty"`
	Pagination Pagination    `json:"pagination"`
}

// ListIssues lists issues, most severe first.
func (d *DatabaseConnection) ListIssues(filter IssueFilter) (issues []*Issue, count int64, err error) {
	query := d.db.Model(&Issue{})

	if len(filter.Codes) > 0 {
		query = query.Where("code IN ?", filter.Codes)
	}

	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}

	if len(filter.Severities) > 0 {
		severities := make([]severity, 0, len(filter.Severities))
		for _, s := range filter.Severities {
			severities = append(severities, NewSeverity(s))
		}
		query = query.Where("severity IN ?", severities)
	}

	if err := query.Count(&count).Error; err != nil {
		return nil, 0, err
	}

	err = query.Scopes(Paginate(&filter.Pagination)).
		Order(severityOrderQuery + ", created_at desc").
		Find(&issues).Error
	return issues, count, err
}
