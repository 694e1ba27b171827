// Package cli wires the forge commands: serve runs the orchestrator,
// the rest talk to a running instance through its monitor surface.
package cli

import (
	"github.com/spf13/cobra"
)

// App is the CLI application with its wired commands.
type App struct {
	rootCmd *cobra.Command

	configPath string
	verbose    bool

	// exitCode carries the supervisor's exit status out of cobra, which
	// only models error/no-error.
	exitCode int

	version string
	commit  string
	date    string
}

// New creates the CLI application.
func New() *App {
	app := &App{}
	app.setupRootCmd()
	return app
}

// SetVersion records build-time version information.
func (a *App) SetVersion(version, commit, date string) {
	a.version = version
	a.commit = commit
	a.date = date
}

// Execute runs the CLI.
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// ExitCode returns the process exit status after Execute returns.
func (a *App) ExitCode() int {
	return a.exitCode
}

func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "forge",
		Short: "GitHub issue orchestration for a pool of LLM-backed agents",
		Long: `Forge polls GitHub repositories for labeled issues, claims them
through comments, classifies them by complexity and dispatches them to
coding agents, watching the resulting pull requests for conflicts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	a.rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c",
		"forge.yaml", "Service configuration file")
	a.rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false,
		"Verbose output")

	a.rootCmd.AddCommand(
		newServeCmd(a),
		newAgentsCmd(a),
		newWatchCmd(a),
		newVersionCmd(a),
	)
}
