package api

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"

	"github.com/pyneda/minion/db"
	"github.com/pyneda/minion/pkg/plugin"
	"github.com/pyneda/minion/pkg/scan/bus"
	"github.com/pyneda/minion/pkg/scan/state"
	"github.com/pyneda/minion/pkg/scan/workflow"
)

// ScanControl connects the control endpoints to the task bus: START enqueues
// the workflow task, STOP submits the stop operation on the scan's state
// shard.
type ScanControl struct {
	Bus    *bus.Bus
	Queues bus.Queues
	State  *state.Client
}

var scanControl *ScanControl

// SetScanControl sets the global scan control used by the handlers
func SetScanControl(ctrl *ScanControl) {
	scanControl = ctrl
}

// GetScanControl returns the global scan control
func GetScanControl() *ScanControl {
	return scanControl
}

// CreateScanInput is the payload accepted by the scan creation endpoint.
type CreateScanInput struct {
	Plan          string                 `json:"plan" validate:"required"`
	Configuration map[string]interface{} `json:"configuration"`
	User          string                 `json:"user"`
}

// CreateScanHandler creates a scan from a plan
// @Summary Create scan
// @Description Creates a scan document from a plan: one session per workflow step, plugin descriptors resolved from the registry, step configuration merged under the scan configuration
// @Tags Scans
// @Accept json
// @Produce json
// @Param input body CreateScanInput true "Scan creation request"
// @Success 201 {object} db.Scan
// @Failure 400 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/scans [post]
func CreateScanHandler(c *fiber.Ctx) error {
	var input CreateScanInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
	}
	if input.Plan == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid request body",
			Message: "A plan name is required",
		})
	}

	plan, err := db.Connection().GetPlanByName(input.Plan)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "Plan not found",
			Message: err.Error(),
		})
	}

	if input.Configuration == nil {
		input.Configuration = map[string]interface{}{}
	}
	target, _ := input.Configuration["target"].(string)

	meta := db.ScanMeta{User: input.User}
	if target != "" {
		// Site tags travel with the scan so reports can group by them. A
		// missing site is not an error here; admission settles it later.
		if site, err := db.Connection().GetSiteByURL(target); err == nil {
			meta.Tags = site.Tags
		}
	}

	configuration, err := json.Marshal(input.Configuration)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid configuration",
			Message: err.Error(),
		})
	}

	scan := &db.Scan{
		State:         db.ScanStateCreated,
		Target:        target,
		PlanName:      plan.Name,
		Plan:          db.PlanSnapshot{Name: plan.Name, Revision: 0},
		Configuration: datatypes.JSON(configuration),
		Meta:          meta,
	}

	for i, step := range plan.Workflow {
		descriptor, ok := plugin.Default().Get(step.PluginName)
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Error:   "Unknown plugin",
				Message: "The plan references a plugin that is not installed: " + step.PluginName,
			})
		}
		sessionConfiguration, err := db.MergeConfigurations(step.Configuration, input.Configuration)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Error:   "Invalid configuration",
				Message: err.Error(),
			})
		}
		scan.Sessions = append(scan.Sessions, db.Session{
			Position:      i,
			State:         db.SessionStateCreated,
			Plugin:        descriptor.Info(),
			Configuration: sessionConfiguration,
			Description:   step.Description,
		})
	}

	created, err := db.Connection().CreateScan(scan)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Failed to create scan",
			Message: err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

// GetScanHandler retrieves a scan by ID
// @Summary Get scan
// @Description Retrieves a scan with its sessions in workflow order
// @Tags Scans
// @Produce json
// @Param id path string true "Scan ID"
// @Success 200 {object} db.Scan
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/scans/{id} [get]
func GetScanHandler(c *fiber.Ctx) error {
	id, err := parseUUIDParam(c, "id")
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
	return c.JSON(scan)
}

// FindScansHandler lists scans
// @Summary List scans
// @Description Lists scan summaries, most recent first. With site_id, returns the last scans run against that site with the given plan
// @Tags Scans
// @Produce json
// @Param site_id query string false "Site ID"
// @Param plan_name query string false "Plan name"
// @Param limit query int false "Maximum results for the site_id lookup (default 3)"
// @Param target query string false "Target URL filter"
// @Param states query string false "Comma separated scan states"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/scans [get]
func FindScansHandler(c *fiber.Ctx) error {
	if siteID := c.Query("site_id"); siteID != "" {
		return findScansForSite(c, siteID)
	}

	pagination, err := paginationFromQuery(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid pagination parameters",
			Message: err.Error(),
		})
	}
	filter := db.ScanFilter{
		Target:     c.Query("target"),
		PlanName:   c.Query("plan_name"),
		Pagination: pagination,
	}
	for _, s := range splitQuery(c, "states") {
		filter.States = append(filter.States, db.ScanState(s))
	}

	scans, count, err := db.Connection().ListScans(filter)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Failed to list scans",
			Message: err.Error(),
		})
	}
	summaries, err := summarizeScans(scans)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Failed to summarize scans",
			Message: err.Error(),
		})
	}
	return c.JSON(fiber.Map{"data": summaries, "count": count})
}

// findScansForSite serves the site history lookup: the most recent scans of
// one plan against the site's URL.
func findScansForSite(c *fiber.Ctx, siteID string) error {
	planName := c.Query("plan_name")
	if planName == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Missing plan_name",
			Message: "plan_name is required when filtering by site_id",
		})
	}
	limit, err := parseIntQuery(c, "limit", 3)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid limit",
			Message: err.Error(),
		})
	}

	id, err := uuid.Parse(siteID)
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

	scans, err := db.Connection().FindScansFor(site.URL, planName, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Failed to list scans",
			Message: err.Error(),
		})
	}
	summaries, err := summarizeScans(scans)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Failed to summarize scans",
			Message: err.Error(),
		})
	}
	return c.JSON(fiber.Map{"data": summaries, "count": len(summaries)})
}

func summarizeScans(scans []*db.Scan) ([]*db.ScanSummaryView, error) {
	summaries := make([]*db.ScanSummaryView, 0, len(scans))
	for _, scan := range scans {
		summary, err := db.Connection().ScanSummary(scan)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// GetScanSummaryHandler retrieves a scan summary
// @Summary Get scan summary
// @Description Retrieves the reduced scan view: session states and severity counts of the scan's open issues
// @Tags Scans
// @Produce json
// @Param id path string true "Scan ID"
// @Success 200 {object} db.ScanSummaryView
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/scans/{id}/summary [get]
func GetScanSummaryHandler(c *fiber.Ctx) error {
	id, err := parseUUIDParam(c, "id")
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
	summary, err := db.Connection().ScanSummary(scan)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Failed to summarize scan",
			Message: err.Error(),
		})
	}
	return c.JSON(summary)
}

// ScanControlHandler starts or stops a scan
// @Summary Control scan
// @Description Applies a control action to a scan. The body is the plain word START or STOP. START queues a CREATED scan for execution; STOP marks the scan STOPPING and submits the stop operation
// @Tags Scans
// @Accept plain
// @Produce json
// @Param id path string true "Scan ID"
// @Param state body string true "START or STOP"
// @Success 200 {object} ActionResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/scans/{id}/control [put]
func ScanControlHandler(c *fiber.Ctx) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid scan ID",
			Message: err.Error(),
		})
	}

	if scanControl == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
			Error:   "Scan control unavailable",
			Message: "The task bus is not initialized",
		})
	}

	if _, err := db.Connection().GetScan(id); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "Scan not found",
			Message: err.Error(),
		})
	}

	action := strings.TrimSpace(string(c.Body()))
	switch action {
	case "START":
		return startScan(c, id)
	case "STOP":
		return stopScan(c, id)
	default:
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Unknown control action",
			Message: "The control body must be START or STOP",
		})
	}
}

func startScan(c *fiber.Ctx, id uuid.UUID) error {
	now := time.Now().UTC()
	queued, err := db.Connection().TransitionScan(id, db.ScanStateCreated, map[string]interface{}{
		"state":     db.ScanStateQueued,
		"queued_at": &now,
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Failed to queue scan",
			Message: err.Error(),
		})
	}
	if !queued {
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{
			Error:   "Invalid state transition",
			Message: "Only a scan in state CREATED can be started",
		})
	}

	task, err := workflow.NewTask(id)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Failed to queue scan",
			Message: err.Error(),
		})
	}
	if err := scanControl.Bus.Enqueue(c.Context(), scanControl.Queues.Scan, task); err != nil {
		log.Error().Err(err).Str("scan", id.String()).Msg("Could not enqueue scan task")
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Failed to queue scan",
			Message: err.Error(),
		})
	}
	return c.JSON(ActionResponse{Message: "Scan queued"})
}

func stopScan(c *fiber.Ctx, id uuid.UUID) error {
	// STOPPING is advisory: the workflow refuses new sessions as soon as it
	// observes it. The stop operation behind it lands on the scan's state
	// shard and settles the terminal state.
	if _, err := db.Connection().PatchScanUnlessTerminal(id, map[string]interface{}{
		"state": db.ScanStateStopping,
	}); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Failed to stop scan",
			Message: err.Error(),
		})
	}
	if _, err := scanControl.State.ScanStopAsync(c.Context(), id); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Failed to stop scan",
			Message: err.Error(),
		})
	}
	return c.JSON(ActionResponse{Message: "Scan stopping"})
}

// GetScanArtifactHandler serves an artifact file reported during a scan
// @Summary Get scan artifact
// @Description Serves a stored artifact whose file name matches, from any of the scan's sessions
// @Tags Scans
// @Produce octet-stream
// @Param id path string true "Scan ID"
// @Param name path string true "Artifact file name"
// @Success 200 {file} file
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/scans/{id}/artifacts/{name} [get]
func GetScanArtifactHandler(c *fiber.Ctx) error {
	id, err := parseUUIDParam(c, "id")
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

	name := c.Params("name")
	for _, session := range scan.Sessions {
		for _, artifact := range session.Artifacts {
			for _, path := range artifact.Paths() {
				if filepath.Base(path) == name {
					return c.SendFile(path)
				}
			}
		}
	}
	return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
		Error:   "Artifact not found",
		Message: "No session of this scan reported an artifact with that name",
	})
}

// DeleteScanHandler deletes a scan
// @Summary Delete scan
// @Description Deletes a scan, its sessions, and every issue no other scan references
// @Tags Scans
// @Produce json
// @Param id path string true "Scan ID"
// @Success 200 {object} ActionResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/scans/{id} [delete]
func DeleteScanHandler(c *fiber.Ctx) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid scan ID",
			Message: err.Error(),
		})
	}
	if _, err := db.Connection().GetScan(id); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "Scan not found",
			Message: err.Error(),
		})
	}
	if err := db.Connection().DeleteScan(id); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Failed to delete scan",
			Message: err.Error(),
		})
	}
	return c.JSON(ActionResponse{Message: "Scan deleted successfully"})
}

// GetSessionHandler retrieves a plugin session by ID
// @Summary Get session
// @Description Retrieves a single plugin session
// @Tags Scans
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} db.Session
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/sessions/{id} [get]
func GetSessionHandler(c *fiber.Ctx) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid session ID",
			Message: err.Error(),
		})
	}
	session, err := db.Connection().GetSession(id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "Session not found",
			Message: err.Error(),
		})
	}
	return c.JSON(session)
}
