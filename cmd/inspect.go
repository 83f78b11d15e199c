// -- cmd/inspect.go --
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/wfmedic/internal/tasks/workflow"
)

// newInspectCmd creates the `inspect` command.
func newInspectCmd(v *viper.Viper) *cobra.Command {
	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Log into the n8n editor, activate the workflow and collect its recent failures",
		Long: `Opens the configured workflow, switches it on when it is inactive, summarises
the latest executions and dumps the debug editor and the failing node panel
into the artifacts directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			return runTask(cmd, workflow.New(*cfg))
		},
	}

	inspectCmd.Flags().String("base-url", "", "base URL of the n8n instance")
	inspectCmd.Flags().String("workflow-id", "", "id of the workflow to inspect")
	inspectCmd.Flags().String("node", "", "label of the node whose panel is dumped")
	inspectCmd.Flags().String("artifacts-dir", "", "directory for screenshots and dumps")
	inspectCmd.Flags().Bool("headful", false, "show the browser window")
	bindFlags(inspectCmd, v, map[string]string{
		"base-url":      "target.base_url",
		"workflow-id":   "target.workflow_id",
		"node":          "target.node_label",
		"artifacts-dir": "artifacts.dir",
		"headful":       "browser.headful",
	})
	return inspectCmd
}
