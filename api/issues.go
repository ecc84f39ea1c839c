package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/pyneda/minion/db"
)

// FindIssuesHandler lists issues
// @Summary List issues
// @Description Lists issues, most severe first. With scan_id, returns the issues referenced by that scan's sessions
// @Tags Issues
// @Produce json
// @Param scan_id query string false "Scan ID"
// @Param codes query string false "Comma separated issue codes"
// @Param statuses query string false "Comma separated issue statuses"
// @Param severities query string false "Comma separated severities"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/issues [get]
func FindIssuesHandler(c *fiber.Ctx) error {
	if scanID := c.Query("scan_id"); scanID != "" {
		return findScanIssues(c, scanID)
	}

	pagination, err := paginationFromQuery(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid pagination parameters",
			Message: err.Error(),
		})
	}
	filter := db.IssueFilter{
		Codes:      splitQuery(c, "codes"),
		Severities: splitQuery(c, "severities"),
		Pagination: pagination,
	}
	for _, s := range splitQuery(c, "statuses") {
		filter.Statuses = append(filter.Statuses, db.IssueStatus(s))
	}

	issues, count, err := db.Connection().ListIssues(filter)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Failed to list issues",
			Message: err.Error(),
		})
	}
	return c.JSON(fiber.Map{"data": issues, "count": count})
}

func findScanIssues(c *fiber.Ctx, scanID string) error {
	id, err := uuid.Parse(scanID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid scan ID",
			Message: err.Error(),
		})
	}
	scan, err := db.Connection().GetScan(id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "Scan not found",
			Message: err.Error(),
		})
	}
	issues, err := db.Connection().GetIssuesByIDs(scan.IssueIDs())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Failed to list issues",
			Message: err.Error(),
		})
	}
	return c.JSON(fiber.Map{"data": issues, "count": len(issues)})
}

// GetIssueHandler retrieves an issue by ID
// @Summary Get issue
// @Description Retrieves a single issue
// @Tags Issues
// @Produce json
// @Param id path string true "Issue ID"
// @Success 200 {object} db.Issue
// @Failure 404 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/issues/{id} [get]
func GetIssueHandler(c *fiber.Ctx) error {
	issue, err := db.Connection().GetIssue(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "Issue not found",
			Message: err.Error(),
		})
	}
	return c.JSON(issue)
}

// TagIssueInput is the payload accepted by the issue tag endpoint.
type TagIssueInput struct {
	Status db.IssueStatus `json:"status"`
	Tag    bool           `json:"tag"`
}

// TagIssueHandler tags or untags an issue
// @Summary Tag issue
// @Description Applies or removes a triage tag. Tagging sets the status and remembers the previous one; untagging restores it
// @Tags Issues
// @Accept json
// @Produce json
// @Param id path string true "Issue ID"
// @Param input body TagIssueInput true "Tag request"
// @Success 200 {object} db.Issue
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/issues/{id}/tag [put]
func TagIssueHandler(c *fiber.Ctx) error {
	var input TagIssueInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
	}
	if input.Tag && !db.ValidTagStatus(input.Status) {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid status",
			Message: "Issues can only be tagged FalsePositive or Ignored",
		})
	}

	id := c.Params("id")
	if _, err := db.Connection().GetIssue(id); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "Issue not found",
			Message: err.Error(),
		})
	}
	issue, err := db.Connection().TagIssue(id, input.Status, input.Tag)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Failed to tag issue",
			Message: err.Error(),
		})
	}
	return c.JSON(issue)
}
