// -- cmd/run.go --
package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wfmedic/internal/browser"
	"github.com/xkilldash9x/wfmedic/internal/config"
	"github.com/xkilldash9x/wfmedic/internal/history"
	"github.com/xkilldash9x/wfmedic/internal/observability"
	"github.com/xkilldash9x/wfmedic/internal/pipeline"
)

// Seams replaced in tests.
var (
	newLauncher = func(cfg config.BrowserConfig, logger *zap.Logger) pipeline.LaunchFunc {
		return pipeline.ManagerLauncher(browser.NewManager(cfg, logger))
	}
	openRecorder = history.Open
)

// runTask drives one task through the pipeline runner and turns a failed run
// into an ExitError.
func runTask(cmd *cobra.Command, task pipeline.Task) error {
	ctx := cmd.Context()
	cfg, err := configFrom(ctx)
	if err != nil {
		return err
	}
	logger := observability.GetLogger()

	rec, err := openRecorder(ctx, cfg.Database.URL, logger)
	if err != nil {
		// History is a side channel; the run itself does not depend on it.
		logger.Warn("Run history unavailable, continuing without it.", zap.Error(err))
		rec = history.Nop{}
	}
	defer rec.Close()

	runner := pipeline.NewRunner(*cfg, newLauncher(cfg.Browser, logger), rec, cmd.OutOrStdout(), logger)
	if code := runner.Run(ctx, task); code != pipeline.ExitOK {
		return &ExitError{Code: code}
	}
	return nil
}
