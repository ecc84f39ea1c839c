package api

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/pyneda/minion/db"
)

// validateSitePlans checks that every plan a site allows actually exists.
func validateSitePlans(plans []string) error {
	for _, name := range plans {
		if _, err := db.Connection().GetPlanByName(name); err != nil {
			return fmt.Errorf("unknown plan: %s", name)
		}
	}
	return nil
}

// CreateSiteHandler registers a site
// @Summary Create site
// @Description Registers a scannable target together with its tags, allowed plans and verification settings
// @Tags Sites
// @Accept json
// @Produce json
// @Param input body db.Site true "Site"
// @Success 201 {object} db.Site
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/sites [post]
func CreateSiteHandler(c *fiber.Ctx) error {
	var input db.Site
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
	}
	if err := validate.Struct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Validation failed",
			Message: err.Error(),
		})
	}
	if err := validateSitePlans(input.Plans); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid plans",
			Message: err.Error(),
		})
	}
	if _, err := db.Connection().GetSiteByURL(input.URL); err == nil {
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{
			Error:   "Site already exists",
			Message: "A site with that URL is already registered",
		})
	}

	site, err := db.Connection().CreateSite(&input)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Failed to create site",
			Message: err.Error(),
		})
	}
	return c.Status(fiber.StatusCreated).JSON(site)
}

// FindSitesHandler lists sites
// @Summary List sites
// @Description Lists registered sites, optionally filtered by URL or allowed plan
// @Tags Sites
// @Produce json
// @Param url query string false "URL filter"
// @Param plan_name query string false "Allowed plan filter"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/sites [get]
func FindSitesHandler(c *fiber.Ctx) error {
	pagination, err := paginationFromQuery(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid pagination parameters",
			Message: err.Error(),
		})
	}
	sites, count, err := db.Connection().ListSites(db.SiteFilter{
		URL:        c.Query("url"),
		PlanName:   c.Query("plan_name"),
		Pagination: pagination,
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Failed to list sites",
			Message: err.Error(),
		})
	}
	return c.JSON(fiber.Map{"data": sites, "count": count})
}

// GetSiteHandler retrieves a site by ID
// @Summary Get site
// @Description Retrieves a registered site
// @Tags Sites
// @Produce json
// @Param id path string true "Site ID"
// @Success 200 {object} db.Site
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/sites/{id} [get]
func GetSiteHandler(c *fiber.Ctx) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid site ID",
			Message: err.Error(),
		})
	}
	site, err := db.Connection().GetSite(id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "Site not found",
			Message: err.Error(),
		})
	}
	return c.JSON(site)
}

// UpdateSiteInput is the payload accepted by the site update endpoint. The
// URL is fixed at registration.
type UpdateSiteInput struct {
	Tags         []string        `json:"tags"`
	Plans        []string        `json:"plans"`
	Verification db.Verification `json:"verification"`
}

// UpdateSiteHandler updates a site
// @Summary Update site
// @Description Updates a site's tags, allowed plans and verification settings
// @Tags Sites
// @Accept json
// @Produce json
// @Param id path string true "Site ID"
// @Param input body UpdateSiteInput true "Site patch"
// @Success 200 {object} db.Site
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/sites/{id} [put]
func UpdateSiteHandler(c *fiber.Ctx) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid site ID",
			Message: err.Error(),
		})
	}
	var input UpdateSiteInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
	}
	if err := validateSitePlans(input.Plans); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid plans",
			Message: err.Error(),
		})
	}

	site, err := db.Connection().GetSite(id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "Site not found",
			Message: err.Error(),
		})
	}
	site.Tags = input.Tags
	site.Plans = input.Plans
	site.Verification = input.Verification

	updated, err := db.Connection().UpdateSite(site)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Failed to update site",
			Message: err.Error(),
		})
	}
	return c.JSON(updated)
}

// DeleteSiteHandler deletes a site
// @Summary Delete site
// @Description Removes a site registration. Past scans against the target are kept
// @Tags Sites
// @Produce json
// @Param id path string true "Site ID"
// @Success 200 {object} ActionResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/sites/{id} [delete]
func DeleteSiteHandler(c *fiber.Ctx) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid site ID",
			Message: err.Error(),
		})
	}
	if _, err := db.Connection().GetSite(id); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "Site not found",
			Message: err.Error(),
		})
	}
	if err := db.Connection().DeleteSite(id); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Failed to delete site",
			Message: err.Error(),
		})
	}
	return c.JSON(ActionResponse{Message: "Site deleted successfully"})
}
