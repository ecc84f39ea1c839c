package db

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Verification holds a site's ownership verification settings. Value is the
// token the verifier expects the target to serve back.
type Verification struct {
	Enabled bool   `json:"enabled"`
	Value   string `json:"value"`
}

// Site registers a scannable target and the plans allowed against it.
type Site struct {
	BaseUUIDModel
	URL          string       `gorm:"uniqueIndex;size:255;not null" json:"url" validate:"required,url"`
	Tags         StringSlice  `gorm:"type:text" json:"tags"`
	Plans        StringSlice  `gorm:"type:text" json:"plans"`
	Verification Verification `gorm:"serializer:json" json:"verification"`
}

// CreateSite persists a site, generating a verification token when
// verification is requested without one.
func (d *DatabaseConnection) CreateSite(site *Site) (*Site, error) {
	if site.Verification.Enabled && site.Verification.Value == "" {
		site.Verification.Value = uuid.NewString()
	}
	result := d.db.Create(site)
	if result.Error != nil {
		log.Error().Err(result.Error).Str("url", site.URL).Msg("Site creation failed")
	}
	return site, result.Error
}

// GetSite returns a site by id.
func (d *DatabaseConnection) GetSite(id uuid.UUID) (*Site, error) {
	var site Site
	err := d.db.First(&site, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &site, nil
}

// GetSiteByURL returns the site registered for a target URL.
func (d *DatabaseConnection) GetSiteByURL(url string) (*Site, error) {
	var site Site
	err := d.db.First(&site, "url = ?", url).Error
	if err != nil {
		return nil, err
	}
	return &site, nil
}

// SiteFilter represents available site filters
type SiteFilter struct {
	URL        string     `json:"url" validate:"omitempty"`
	PlanName   string     `json:"plan_name" validate:"omitempty"`
	Pagination Pagination `json:"pagination"`
}

// ListSites lists sites ordered by URL.
func (d *DatabaseConnection) ListSites(filter SiteFilter) (items []*Site, count int64, err error) {
	query := d.db.Model(&Site{})

	if filter.URL != "" {
		query = query.Where("url = ?", filter.URL)
	}

	if filter.PlanName != "" {
		query = query.Where("plans LIKE ?", "%\""+filter.PlanName+"\"%")
	}

	if err := query.Count(&count).Error; err != nil {
		return nil, 0, err
	}

	err = query.Scopes(Paginate(&filter.Pagination)).Order("url asc").Find(&items).Error
	return items, count, err
}

// UpdateSite patches a site's tags, plans and verification settings.
func (d *DatabaseConnection) UpdateSite(site *Site) (*Site, error) {
	if site.Verification.Enabled && site.Verification.Value == "" {
		site.Verification.Value = uuid.NewString()
	}
	err := d.db.Save(site).Error
	if err != nil {
		log.Error().Err(err).Str("url", site.URL).Msg("Site update failed")
	}
	return site, err
}

// DeleteSite removes a site registration. Scans against the target survive.
func (d *DatabaseConnection) DeleteSite(id uuid.UUID) error {
	return d.db.Delete(&Site{}, "id = ?", id).Error
}
