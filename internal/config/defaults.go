package config

const (
	DefaultSecretsDir     = "secrets"
	DefaultAgentsDir      = "agents"
	DefaultLogsDir        = "logs"
	DefaultPollIntervalS  = 60
	DefaultParallelism    = 4
	DefaultMaxTasks       = 2
	DefaultMonitorAddr    = ":8080"
	DefaultMaxSubscribers = 100
	DefaultGlobalMaxTasks = 8
	DefaultTaskTimeoutMin = 30
	DefaultShutdownGraceS = 30
	DefaultGitHubParallel = 8
	DefaultPRCheckInterS  = 300
)

// Claim timeouts per environment tag, in minutes. Dev and test keep them
// short so abandoned claims recycle quickly during iteration.
var defaultClaimTimeoutMin = map[EnvironmentTag]int{
	EnvDev:  5,
	EnvTest: 10,
	EnvProd: 60,
	"":      60,
}

// DefaultWatchLabels is the stock label sweep.
var DefaultWatchLabels = []string{"agent-ready", "auto-assign"}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Environment: EnvironmentConfig{Tag: EnvDev},
		SecretsDir:  DefaultSecretsDir,
		AgentsDir:   DefaultAgentsDir,
		LogsDir:     DefaultLogsDir,
		Polling: PollingConfig{
			IntervalS:          DefaultPollIntervalS,
			Parallelism:        DefaultParallelism,
			WatchLabels:        DefaultWatchLabels,
			MaxConcurrentTasks: DefaultMaxTasks,
			PRMonitor: PRMonitorCfg{
				Enabled:        true,
				CheckIntervalS: DefaultPRCheckInterS,
			},
		},
		GitHub: GitHubConfig{
			Parallelism: DefaultGitHubParallel,
		},
		Monitor: MonitorConfig{
			Addr:           DefaultMonitorAddr,
			MaxSubscribers: DefaultMaxSubscribers,
		},
		Dispatch: DispatchConfig{
			GlobalMaxTasks: DefaultGlobalMaxTasks,
			TaskTimeoutMin: DefaultTaskTimeoutMin,
			ShutdownGraceS: DefaultShutdownGraceS,
		},
	}
}
