package db

import (
	"errors"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var ErrPlanExists = errors.New("plan already exists")

// PlanStep is one workflow entry: the plugin to run and the configuration it
// receives (under the scan configuration, which wins on conflicts).
type PlanStep struct {
	PluginName    string                 `json:"plugin_name" yaml:"plugin_name" validate:"required"`
	Description   string                 `json:"description" yaml:"description"`
	Configuration map[string]interface{} `json:"configuration" yaml:"configuration"`
}

// Plan is a named, ordered workflow of plugin steps.
type Plan struct {
	BaseUUIDModel `yaml:"-"`
	Name          string     `gorm:"uniqueIndex;size:255;not null" json:"name" yaml:"name" validate:"required"`
	Description   string     `json:"description" yaml:"description"`
	Workflow      []PlanStep `gorm:"serializer:json" json:"workflow" yaml:"workflow" validate:"required,min=1,dive"`
}

// CreatePlan persists a new plan. Plan names are unique.
func (d *DatabaseConnection) CreatePlan(plan *Plan) (*Plan, error) {
	var existing Plan
	err := d.db.Select("id").First(&existing, "name = ?", plan.Name).Error
	if err == nil {
		return nil, ErrPlanExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	result := d.db.Create(plan)
	if result.Error != nil {
		log.Error().Err(result.Error).Str("plan", plan.Name).Msg("Plan creation failed")
	}
	return plan, result.Error
}

// GetPlanByName returns a plan by its unique name.
func (d *DatabaseConnection) GetPlanByName(name string) (*Plan, error) {
	var plan Plan
	err := d.db.First(&plan, "name = ?", name).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// PlanFilter represents available plan filters
type PlanFilter struct {
	Name       string     `json:"name" validate:"omitempty"`
	Pagination Pagination `json:"pagination"`
}

// ListPlans lists plans ordered by name.
func (d *DatabaseConnection) ListPlans(filter PlanFilter) (items []*Plan, count int64, err error) {
	query := d.db.Model(&Plan{})

	if filter.Name != "" {
		query = query.Where("name LIKE ?", "%"+filter.Name+"%")
	}

	if err := query.Count(&count).Error; err != nil {
		return nil, 0, err
	}

	err = query.Scopes(Paginate(&filter.Pagination)).Order("name asc").Find(&items).Error
	return items, count, err
}

// UpdatePlan patches a plan's description and workflow.
func (d *DatabaseConnection) UpdatePlan(name string, description string, workflow []PlanStep) (*Plan, error) {
	plan, err := d.GetPlanByName(name)
	if err != nil {
		return nil, err
	}
	plan.Description = description
	if workflow != nil {
		plan.Workflow = workflow
	}
	if err := d.db.Save(plan).Error; err != nil {
		return nil, err
	}
	return plan, nil
}

// DeletePlan removes a plan and every scan created from it, including the
// per-scan issue reference accounting.
func (d *DatabaseConnection) DeletePlan(name string) error {
	plan, err := d.GetPlanByName(name)
	if err != nil {
		return err
	}
	var scans []*Scan
	if err := d.db.Select("id").Where("plan_name = ?", name).Find(&scans).Error; err != nil {
		return err
	}
	for _, scan := range scans {
		if err := d.DeleteScan(scan.ID); err != nil {
			return err
		}
	}
	return d.db.Delete(plan).Error
}
