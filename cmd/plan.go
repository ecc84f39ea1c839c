package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/pyneda/minion/db"
	"github.com/pyneda/minion/lib"
	"github.com/pyneda/minion/pkg/plugin"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	planFile   string
	planUpdate bool
	planQuery  string
	planFormat string
)

// planCmd represents the plan command
var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Manage scan plans",
	Long: `Import and list the plans scans are created from.

A plan file is a YAML document:

  name: basic
  description: Quick surface checks
  workflow:
    - plugin_name: alive
      description: Verify the target responds
    - plugin_name: nmap
      configuration:
        ports: "80,443"`,
}

var planImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a plan from a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if planFile == "" {
			return fmt.Errorf("--file is required")
		}
		raw, err := os.ReadFile(planFile)
		if err != nil {
			return err
		}
		var plan db.Plan
		if err := yaml.Unmarshal(raw, &plan); err != nil {
			return fmt.Errorf("invalid plan file: %w", err)
		}
		if plan.Name == "" {
			return fmt.Errorf("the plan file must set a name")
		}
		if len(plan.Workflow) == 0 {
			return fmt.Errorf("the plan workflow needs at least one step")
		}
		for _, step := range plan.Workflow {
			if step.PluginName == "" {
				return fmt.Errorf("every workflow step must name a plugin")
			}
			if _, ok := plugin.Default().Get(step.PluginName); !ok {
				return fmt.Errorf("the plan references a plugin that is not installed: %s", step.PluginName)
			}
		}

		created, err := db.Connection().CreatePlan(&plan)
		if errors.Is(err, db.ErrPlanExists) {
			if !planUpdate {
				return fmt.Errorf("plan %s already exists, pass --update to replace it", plan.Name)
			}
			created, err = db.Connection().UpdatePlan(plan.Name, plan.Description, plan.Workflow)
		}
		if err != nil {
			return err
		}
		log.Info().Str("plan", created.Name).Int("steps", len(created.Workflow)).Msg("Plan imported")
		return nil
	},
}

var planListCmd = &cobra.Command{
	Use:   "list",
	Short: "List plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		items, _, err := db.Connection().ListPlans(db.PlanFilter{Name: planQuery})
		if err != nil {
			return err
		}
		formatType, err := lib.ParseFormatType(planFormat)
		if err != nil {
			return err
		}
		formattedOutput, err := lib.FormatOutput(items, formatType)
		if err != nil {
			return err
		}
		fmt.Println(formattedOutput)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.AddCommand(planImportCmd)
	planCmd.AddCommand(planListCmd)

	planImportCmd.Flags().StringVarP(&planFile, "file", "F", "", "Plan YAML file to import")
	planImportCmd.Flags().BoolVar(&planUpdate, "update", false, "Replace the plan if it already exists")
	planListCmd.Flags().StringVarP(&planQuery, "query", "q", "", "Filter plans by name")
	planListCmd.Flags().StringVarP(&planFormat, "format", "f", "table", "Output format (json, yaml, text, pretty, table)")
}
