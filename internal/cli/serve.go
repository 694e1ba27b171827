package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/agent-forge/forge/internal/config"
	"github.com/agent-forge/forge/internal/supervisor"
)

func newServeCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		Long: `Start polling the configured repositories and serve the monitor
endpoints. Runs until SIGINT/SIGTERM or POST /shutdown; SIGHUP reloads
credentials from the secrets directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				a.exitCode = supervisor.ExitConfig
				return err
			}

			logger := logrus.New()
			if a.verbose {
				logger.SetLevel(logrus.DebugLevel)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sup := supervisor.New(cfg, logger)

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-hup:
						sup.Reload()
					}
				}
			}()

			a.exitCode = sup.Run(ctx)
			return nil
		},
	}
}
