package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pyneda/minion/db"
	"github.com/pyneda/minion/lib"
	"github.com/pyneda/minion/pkg/plugin"
	"github.com/pyneda/minion/pkg/scan/bus"
	"github.com/pyneda/minion/pkg/scan/workflow"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/datatypes"
)

var (
	scanPlanName   string
	scanTarget     string
	scanUser       string
	scanConfigJSON string
	scanFollow     bool
	scanFormat     string
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Create and queue a scan of a target",
	Long: `Creates a scan from a plan and queues it on the task bus.

The scan is executed by worker nodes, not by this process: at least one
node serving the scan, plugin and state roles must be running. With
--follow the command polls the scan until it reaches a terminal state
and prints the issues it found.

Examples:
  minion scan --plan basic --target http://example.com
  minion scan --plan basic --target http://example.com --follow --format table`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if scanPlanName == "" || scanTarget == "" {
			return fmt.Errorf("both --plan and --target are required")
		}
		formatType, err := lib.ParseFormatType(scanFormat)
		if err != nil {
			return err
		}

		plan, err := db.Connection().GetPlanByName(scanPlanName)
		if err != nil {
			return fmt.Errorf("plan %s not found: %w", scanPlanName, err)
		}

		configuration := map[string]interface{}{}
		if scanConfigJSON != "" {
			if err := json.Unmarshal([]byte(scanConfigJSON), &configuration); err != nil {
				return fmt.Errorf("invalid --configuration: %w", err)
			}
		}
		configuration["target"] = scanTarget

		scan, err := buildScan(plan, configuration, scanUser)
		if err != nil {
			return err
		}
		created, err := db.Connection().CreateScan(scan)
		if err != nil {
			return fmt.Errorf("error creating scan: %w", err)
		}

		if err := queueScan(created); err != nil {
			return err
		}
		log.Info().Str("scan", created.ID.String()).Str("plan", plan.Name).Str("target", scanTarget).Msg("Scan queued")

		if scanFollow {
			created, err = followScan(created.ID)
			if err != nil {
				return err
			}
		}

		formattedOutput, err := lib.FormatSingleOutput(*created, formatType)
		if err != nil {
			return err
		}
		fmt.Println(formattedOutput)

		if scanFollow {
			return printScanIssues(created, formatType)
		}
		return nil
	},
}

// buildScan assembles the scan document: one session per workflow step, the
// step configuration merged under the scan configuration, plugin descriptors
// resolved from the registry.
func buildScan(plan *db.Plan, configuration map[string]interface{}, user string) (*db.Scan, error) {
	target, _ := configuration["target"].(string)

	meta := db.ScanMeta{User: user}
	if site, err := db.Connection().GetSiteByURL(target); err == nil {
		meta.Tags = site.Tags
	}

	raw, err := json.Marshal(configuration)
	if err != nil {
		return nil, err
	}

	scan := &db.Scan{
		State:         db.ScanStateCreated,
		Target:        target,
		PlanName:      plan.Name,
		Plan:          db.PlanSnapshot{Name: plan.Name, Revision: 0},
		Configuration: datatypes.JSON(raw),
		Meta:          meta,
	}
	for i, step := range plan.Workflow {
		descriptor, ok := plugin.Default().Get(step.PluginName)
		if !ok {
			return nil, fmt.Errorf("the plan references a plugin that is not installed: %s", step.PluginName)
		}
		sessionConfiguration, err := db.MergeConfigurations(step.Configuration, configuration)
		if err != nil {
			return nil, err
		}
		scan.Sessions = append(scan.Sessions, db.Session{
			Position:      i,
			State:         db.SessionStateCreated,
			Plugin:        descriptor.Info(),
			Configuration: sessionConfiguration,
			Description:   step.Description,
		})
	}
	return scan, nil
}

// queueScan moves the scan to QUEUED and enqueues its workflow task.
func queueScan(scan *db.Scan) error {
	b, err := bus.FromConfig()
	if err != nil {
		return fmt.Errorf("could not connect to the task bus: %w", err)
	}
	defer b.Close()

	now := time.Now().UTC()
	queued, err := db.Connection().TransitionScan(scan.ID, db.ScanStateCreated, map[string]interface{}{
		"state":     db.ScanStateQueued,
		"queued_at": &now,
	})
	if err != nil {
		return err
	}
	if !queued {
		return fmt.Errorf("scan %s is no longer in state CREATED", scan.ID)
	}

	task, err := workflow.NewTask(scan.ID)
	if err != nil {
		return err
	}
	return b.Enqueue(context.Background(), bus.QueuesFromConfig().Scan, task)
}

// followScan polls the scan until it reaches a terminal state.
func followScan(id uuid.UUID) (*db.Scan, error) {
	var last db.ScanState
	for {
		scan, err := db.Connection().GetScan(id)
		if err != nil {
			return nil, err
		}
		if scan.State != last {
			log.Info().Str("scan", id.String()).Str("state", string(scan.State)).Msg("Scan state changed")
			last = scan.State
		}
		if scan.State.IsTerminal() {
			return scan, nil
		}
		time.Sleep(2 * time.Second)
	}
}

func printScanIssues(scan *db.Scan, formatType lib.FormatType) error {
	ids := scan.IssueIDs()
	if len(ids) == 0 {
		fmt.Println("No issues found")
		return nil
	}
	issues, err := db.Connection().GetIssuesByIDs(ids)
	if err != nil {
		return err
	}
	formattedOutput, err := lib.FormatOutput(issues, formatType)
	if err != nil {
		return err
	}
	fmt.Println(formattedOutput)
	return nil
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringVarP(&scanPlanName, "plan", "p", "", "Plan to run")
	scanCmd.Flags().StringVarP(&scanTarget, "target", "t", "", "Target URL to scan")
	scanCmd.Flags().StringVarP(&scanUser, "user", "u", "cli", "User recorded in the scan metadata")
	scanCmd.Flags().StringVarP(&scanConfigJSON, "configuration", "c", "", "Scan configuration as a JSON object, merged over each step's configuration")
	scanCmd.Flags().BoolVar(&scanFollow, "follow", false, "Wait for the scan to finish and print its issues")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "pretty", "Output format (json, yaml, text, pretty, table)")
}
