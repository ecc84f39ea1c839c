package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/pyneda/minion/db"
	"github.com/pyneda/minion/pkg/plugin"
)

var validate = validator.New()

// PlanStepView is a workflow step inflated with the descriptor of the plugin
// it names, when that plugin is installed.
type PlanStepView struct {
	db.PlanStep
	Plugin *db.PluginInfo `json:"plugin,omitempty"`
}

// PlanView is the plan representation served by the API.
type PlanView struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	CreatedAt   time.Time      `json:"created_at"`
	Workflow    []PlanStepView `json:"workflow"`
}

func planView(plan *db.Plan) PlanView {
	view := PlanView{
		Name:        plan.Name,
		Description: plan.Description,
		CreatedAt:   plan.CreatedAt,
		Workflow:    make([]PlanStepView, 0, len(plan.Workflow)),
	}
	for _, step := range plan.Workflow {
		stepView := PlanStepView{PlanStep: step}
		if descriptor, ok := plugin.Default().Get(step.PluginName); ok {
			info := descriptor.Info()
			stepView.Plugin = &info
		}
		view.Workflow = append(view.Workflow, stepView)
	}
	return view
}

// validatePlanWorkflow rejects workflows the scheduler could not run: empty
// ones, steps without a plugin name, and steps naming plugins that are not
// installed.
func validatePlanWorkflow(workflow []db.PlanStep) error {
	if len(workflow) == 0 {
		return errors.New("a plan needs at least one workflow step")
	}
	for i, step := range workflow {
		if step.PluginName == "" {
			return fmt.Errorf("workflow step %d has no plugin_name", i)
		}
		if _, ok := plugin.Default().Get(step.PluginName); !ok {
			return fmt.Errorf("workflow step %d references an unknown plugin: %s", i, step.PluginName)
		}
	}
	return nil
}

// CreatePlanHandler creates a plan
// @Summary Create plan
// @Description Creates a named workflow of plugin steps. Every step must name an installed plugin
// @Tags Plans
// @Accept json
// @Produce json
// @Param input body db.Plan true "Plan"
// @Success 201 {object} PlanView
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/plans [post]
func CreatePlanHandler(c *fiber.Ctx) error {
	var input db.Plan
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
	if err := validatePlanWorkflow(input.Workflow); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid workflow",
			Message: err.Error(),
		})
	}

	plan, err := db.Connection().CreatePlan(&input)
	if err != nil {
		if errors.Is(err, db.ErrPlanExists) {
			return c.Status(fiber.StatusConflict).JSON(ErrorResponse{
				Error:   "Plan already exists",
				Message: "A plan with that name already exists",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Failed to create plan",
			Message: err.Error(),
		})
	}
	return c.Status(fiber.StatusCreated).JSON(planView(plan))
}

// FindPlansHandler lists plans
// @Summary List plans
// @Description Lists plans ordered by name
// @Tags Plans
// @Produce json
// @Param name query string false "Name filter"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/plans [get]
func FindPlansHandler(c *fiber.Ctx) error {
	pagination, err := paginationFromQuery(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid pagination parameters",
			Message: err.Error(),
		})
	}
	plans, count, err := db.Connection().ListPlans(db.PlanFilter{
		Name:       c.Query("name"),
		Pagination: pagination,
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Failed to list plans",
			Message: err.Error(),
		})
	}
	views := make([]PlanView, 0, len(plans))
	for _, plan := range plans {
		views = append(views, planView(plan))
	}
	return c.JSON(fiber.Map{"data": views, "count": count})
}

// GetPlanHandler retrieves a plan by name
// @Summary Get plan
// @Description Retrieves a plan with its workflow steps inflated with plugin descriptors
// @Tags Plans
// @Produce json
// @Param name path string true "Plan name"
// @Success 200 {object} PlanView
// @Failure 404 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/plans/{name} [get]
func GetPlanHandler(c *fiber.Ctx) error {
	plan, err := db.Connection().GetPlanByName(c.Params("name"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "Plan not found",
			Message: err.Error(),
		})
	}
	return c.JSON(planView(plan))
}

// UpdatePlanInput is the payload accepted by the plan update endpoint.
type UpdatePlanInput struct {
	Description string        `json:"description"`
	Workflow    []db.PlanStep `json:"workflow"`
}

// UpdatePlanHandler updates a plan
// @Summary Update plan
// @Description Updates a plan's description and workflow. An omitted workflow keeps the current one
// @Tags Plans
// @Accept json
// @Produce json
// @Param name path string true "Plan name"
// @Param input body UpdatePlanInput true "Plan patch"
// @Success 200 {object} PlanView
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/plans/{name} [put]
func UpdatePlanHandler(c *fiber.Ctx) error {
	var input UpdatePlanInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
	}
	if input.Workflow != nil {
		if err := validatePlanWorkflow(input.Workflow); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Error:   "Invalid workflow",
				Message: err.Error(),
			})
		}
	}

	name := c.Params("name")
	if _, err := db.Connection().GetPlanByName(name); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "Plan not found",
			Message: err.Error(),
		})
	}
	plan, err := db.Connection().UpdatePlan(name, input.Description, input.Workflow)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Failed to update plan",
			Message: err.Error(),
		})
	}
	return c.JSON(planView(plan))
}

// DeletePlanHandler deletes a plan
// @Summary Delete plan
// @Description Deletes a plan together with every scan created from it
// @Tags Plans
// @Produce json
// @Param name path string true "Plan name"
// @Success 200 {object} ActionResponse
// @Failure 404 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/plans/{name} [delete]
func DeletePlanHandler(c *fiber.Ctx) error {
	name := c.Params("name")
	if _, err := db.Connection().GetPlanByName(name); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "Plan not found",
			Message: err.Error(),
		})
	}
	if err := db.Connection().DeletePlan(name); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "Failed to delete plan",
			Message: err.Error(),
		})
	}
	return c.JSON(ActionResponse{Message: "Plan deleted successfully"})
}
