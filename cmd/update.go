// -- cmd/update.go --
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/wfmedic/internal/tasks/hostupdate"
)

// newUpdateCmd creates the `update` command.
func newUpdateCmd(v *viper.Viper) *cobra.Command {
	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Open the hosting panel terminal and pull the latest n8n images",
		Long: `Waits for a manual login to the hosting panel, opens the server's browser
terminal and types the configured update commands one at a time, taking a
screenshot after each.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			task := hostupdate.New(*cfg).WithPrompt(func(msg string) {
				fmt.Fprintln(cmd.ErrOrStderr(), msg)
			})
			return runTask(cmd, task)
		},
	}

	updateCmd.Flags().String("login-url", "", "hosting panel login page")
	updateCmd.Flags().String("artifacts-dir", "", "directory for screenshots")
	updateCmd.Flags().Bool("headful", false, "show the browser window")
	updateCmd.Flags().Bool("keep-open", false, "leave the browser open until interrupted")
	updateCmd.Flags().StringSlice("command", nil, "command to send instead of the default list (repeatable)")
	bindFlags(updateCmd, v, map[string]string{
		"login-url":     "terminal.login_url",
		"artifacts-dir": "artifacts.dir",
		"headful":       "terminal.headful",
		"keep-open":     "terminal.keep_open",
		"command":       "terminal.commands",
	})
	return updateCmd
}
