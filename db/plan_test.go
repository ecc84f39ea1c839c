package db

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestCreatePlanRejectsDuplicateName(t *testing.T) {
	plan := &Plan{
		Name:     "duplicate-plan",
		Workflow: []PlanStep{{PluginName: "Alive"}},
	}
	_, err := Connection().CreatePlan(plan)
	require.NoError(t, err)

	_, err = Connection().CreatePlan(&Plan{Name: "duplicate-plan", Workflow: []PlanStep{{PluginName: "Alive"}}})
	assert.ErrorIs(t, err, ErrPlanExists)
}

func TestPlanWorkflowRoundTrip(t *testing.T) {
	_, err := Connection().CreatePlan(&Plan{
		Name:        "roundtrip-plan",
		Description: "Run NMAP against the target",
		Workflow: []PlanStep{
			{
				PluginName:    "NMAP",
				Description:   "Find open ports",
				Configuration: map[string]interface{}{"ports": "1-1024"},
			},
			{PluginName: "Alive"},
		},
	})
	require.NoError(t, err)

	plan, err := Connection().GetPlanByName("roundtrip-plan")
	require.NoError(t, err)
	require.Len(t, plan.Workflow, 2)
	assert.Equal(t, "NMAP", plan.Workflow[0].PluginName)
	assert.Equal(t, "1-1024", plan.Workflow[0].Configuration["ports"])
	assert.Nil(t, plan.Workflow[1].Configuration)
}

func TestUpdatePlan(t *testing.T) {
	_, err := Connection().CreatePlan(&Plan{
		Name:        "update-plan",
		Description: "before",
		Workflow:    []PlanStep{{PluginName: "Alive"}},
	})
	require.NoError(t, err)

	updated, err := Connection().UpdatePlan("update-plan", "after", []PlanStep{{PluginName: "NMAP"}, {PluginName: "Alive"}})
	require.NoError(t, err)
	assert.Equal(t, "after", updated.Description)

	plan, err := Connection().GetPlanByName("update-plan")
	require.NoError(t, err)
	assert.Equal(t, "after", plan.Description)
	require.Len(t, plan.Workflow, 2)
	assert.Equal(t, "NMAP", plan.Workflow[0].PluginName)
}

func TestListPlansByName(t *testing.T) {
	_, err := Connection().CreatePlan(&Plan{Name: "listable-alpha", Workflow: []PlanStep{{PluginName: "Alive"}}})
	require.NoError(t, err)
	_, err = Connection().CreatePlan(&Plan{Name: "listable-beta", Workflow: []PlanStep{{PluginName: "Alive"}}})
	require.NoError(t, err)

	plans, count, err := Connection().ListPlans(PlanFilter{Name: "listable-alpha"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	require.Len(t, plans, 1)
	assert.Equal(t, "listable-alpha", plans[0].Name)
}

func TestDeletePlanCascadesScans(t *testing.T) {
	_, err := Connection().CreatePlan(&Plan{Name: "cascade-plan", Workflow: []PlanStep{{PluginName: "Alive"}}})
	require.NoError(t, err)

	issueID := uuid.NewString()
	require.NoError(t, Connection().UpsertIssue(&Issue{ID: issueID, Summary: "cascade finding", Severity: Low, Status: IssueStatusCurrent}))

	scan := createTestScan(t, "http://cascade.example.com", "cascade-plan", 1)
	require.NoError(t, Connection().PushSessionIssueRef(scan.Sessions[0].ID, issueID))

	require.NoError(t, Connection().DeletePlan("cascade-plan"))

	_, err = Connection().GetPlanByName("cascade-plan")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	_, err = Connection().GetScan(scan.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	_, err = Connection().GetIssue(issueID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
