// Package supervisor wires the orchestrator together: ordered
// bring-up of the bus, secrets, registry, clients and loops, reload on
// demand, and graceful teardown in reverse order.
package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/agent-forge/forge/internal/claim"
	"github.com/agent-forge/forge/internal/config"
	"github.com/agent-forge/forge/internal/dispatch"
	"github.com/agent-forge/forge/internal/events"
	"github.com/agent-forge/forge/internal/gateway"
	"github.com/agent-forge/forge/internal/github"
	"github.com/agent-forge/forge/internal/gitops"
	"github.com/agent-forge/forge/internal/llm"
	"github.com/agent-forge/forge/internal/monitor"
	"github.com/agent-forge/forge/internal/poller"
	"github.com/agent-forge/forge/internal/prwatch"
	"github.com/agent-forge/forge/internal/ratelimit"
	"github.com/agent-forge/forge/internal/registry"
	"github.com/agent-forge/forge/internal/secrets"
	"github.com/agent-forge/forge/internal/work"
)

// Process exit codes, sysexits-style.
const (
	ExitOK       = 0
	ExitConfig   = 64
	ExitSecrets  = 65
	ExitInternal = 70
)

// logFileName is the active log file under logs_dir.
const logFileName = "forge.log"

// Supervisor owns service lifecycle. One instance per process.
type Supervisor struct {
	cfg *config.Config
	log *logrus.Logger

	bus        *events.Bus
	store      *secrets.Store
	reg        *registry.Registry
	dispatcher *dispatch.Dispatcher
	monitorSrv *monitor.Server

	cancel context.CancelFunc
}

// New creates a supervisor for the given service configuration.
func New(cfg *config.Config, logger *logrus.Logger) *Supervisor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Supervisor{cfg: cfg, log: logger}
}

// MonitorAddr returns the bound monitor address once Run is started.
func (s *Supervisor) MonitorAddr() string {
	if s.monitorSrv == nil {
		return ""
	}
	return s.monitorSrv.Addr()
}

// Reload refreshes credentials from disk. Wired to POST /reload and
// SIGHUP.
func (s *Supervisor) Reload() error {
	if s.store == nil {
		return nil
	}
	if err := s.store.Reload(); err != nil {
		s.log.WithError(err).Error("credential reload failed")
		return err
	}
	s.log.Info("credentials reloaded")
	return nil
}

// Shutdown requests a graceful stop. Wired to POST /shutdown; signal
// handling cancels the Run context directly.
func (s *Supervisor) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Run brings the service up, blocks until ctx is cancelled or a
// component fails, then tears everything down in reverse order. The
// return value is the process exit code.
func (s *Supervisor) Run(ctx context.Context) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel

	// 1. Event bus first; everything else publishes into it.
	s.bus = events.NewBus()
	defer s.bus.Close()

	// 2. Log sink. Rotated file plus stdout, mirrored onto the bus once
	// the secret masker exists.
	if s.cfg.LogsDir != "" {
		writer, err := newRotatingWriter(s.cfg.LogsDir, logFileName)
		if err != nil {
			s.log.WithError(err).Error("log setup failed")
			return ExitConfig
		}
		defer writer.Close()
		s.log.SetOutput(io.MultiWriter(os.Stdout, writer))
	}

	// 3. Credential store. Permission problems are fatal under prod.
	store, err := secrets.New(secrets.Options{
		Dir:    s.cfg.SecretsDir,
		Strict: s.cfg.Environment.Tag == config.EnvProd,
		Logger: s.log,
	})
	if err != nil {
		s.log.WithError(err).Error("secrets load failed")
		return ExitSecrets
	}
	s.store = store
	s.log.SetFormatter(&secrets.Formatter{Inner: s.log.Formatter, Mask: store.Mask})
	s.log.AddHook(&events.BusHook{Bus: s.bus, Mask: store.Mask})

	// 4. Agent registry from the declarations directory.
	agentCfgs, err := registry.LoadDir(s.cfg.AgentsDir)
	if err != nil {
		s.log.WithError(err).Error("agent declarations invalid")
		return ExitConfig
	}
	s.reg = registry.New(agentCfgs, s.bus, store, s.log)

	// 5. Rate governor and the orchestrator's GitHub client.
	governor := ratelimit.NewGovernor(s.cfg.RateLimits.GovernorConfig())
	token, err := store.Get(s.cfg.GitHub.CredentialRef)
	if err != nil {
		s.log.WithError(err).WithField("ref", s.cfg.GitHub.CredentialRef).
			Error("orchestrator credential unavailable")
		return ExitSecrets
	}

	var sem chan struct{}
	if s.cfg.GitHub.Parallelism > 0 {
		sem = make(chan struct{}, s.cfg.GitHub.Parallelism)
	}
	claimant := s.cfg.GitHub.Account
	client, err := github.New(github.Options{
		Token:     token,
		Account:   claimant,
		Governor:  governor,
		BaseURL:   s.cfg.GitHub.APIBase,
		Semaphore: sem,
		Logger:    s.log,
	})
	if err != nil {
		s.log.WithError(err).Error("github client setup failed")
		return ExitConfig
	}
	if claimant == "" {
		claimant, err = client.AuthenticatedUser(ctx)
		if err != nil {
			s.log.WithError(err).Error("resolving orchestrator account failed")
			return ExitInternal
		}
	}

	// 6. Always-on agents must reach Idle before loops start.
	if err := s.reg.StartAlwaysOn(ctx); err != nil {
		s.log.WithError(err).Error("always-on agent start failed")
		return ExitInternal
	}

	// 7. Claim protocol, gateway, dispatcher. Repositories overriding the
	// claim timeout get their own protocol instance; releases are
	// timeout-independent so the dispatcher keeps the default.
	claims := claim.New(client,
		time.Duration(s.cfg.Polling.ClaimTimeoutMin)*time.Minute, s.log)
	claimer := &claimRouter{def: claims, byRepo: make(map[string]*claim.Protocol)}
	for _, binding := range s.cfg.Repositories {
		if binding.ClaimTimeoutMin != s.cfg.Polling.ClaimTimeoutMin {
			claimer.byRepo[binding.Owner+"/"+binding.Name] =
				claim.New(client, binding.ClaimTimeout(), s.log)
		}
	}

	gw := gateway.New(gateway.Options{
		API:            client,
		Bus:            s.bus,
		Checker:        s.coordinatorChecker(agentCfgs),
		TrustedAuthors: s.cfg.Polling.TrustedAuthors,
		Logger:         s.log,
	})

	repoMax := make(map[string]int, len(s.cfg.Repositories))
	for _, binding := range s.cfg.Repositories {
		repoMax[binding.Owner+"/"+binding.Name] = binding.MaxConcurrentTasks
	}
	s.dispatcher = dispatch.New(dispatch.Options{
		Registry:    s.reg,
		Gateway:     gw,
		Claims:      claims,
		API:         client,
		Bus:         s.bus,
		Runner:      dispatch.NewLLMRunner(s.log),
		GlobalMax:   s.cfg.Dispatch.GlobalMaxTasks,
		RepoMax:     repoMax,
		TaskTimeout: s.cfg.Dispatch.TaskTimeout(),
		Claimant:    claimant,
		Logger:      s.log,
	})

	// 8. PR watcher, when enabled.
	repos := make([]work.Repo, 0, len(s.cfg.Repositories))
	pollRepos := make([]poller.Repo, 0, len(s.cfg.Repositories))
	for _, binding := range s.cfg.Repositories {
		repo := work.Repo{Owner: binding.Owner, Name: binding.Name}
		repos = append(repos, repo)
		pollRepos = append(pollRepos, poller.Repo{
			Repo:        repo,
			Interval:    binding.PollInterval(),
			WatchLabels: binding.WatchLabels,
			SkipLabels:  binding.SkipLabels,
		})
	}

	var watcher *prwatch.Watcher
	if s.cfg.Polling.PRMonitor.Enabled {
		pool := make([]string, 0, len(agentCfgs))
		for _, cfg := range agentCfgs {
			pool = append(pool, cfg.ID)
		}
		var inspector prwatch.Inspector = &prwatch.APIInspector{
			Files:     client,
			CorePaths: s.cfg.Polling.PRMonitor.CorePaths,
		}
		var resolver prwatch.Resolver
		if workDir := s.cfg.Polling.PRMonitor.WorkDir; workDir != "" {
			gitws := gitops.New(gitops.Options{
				Dir: workDir,
				RemoteURL: func(repo work.Repo) string {
					return "https://x-access-token:" + token + "@github.com/" + repo.String() + ".git"
				},
				Logger: s.log,
			})
			resolver = gitws
			inspector = &gitops.Inspector{Git: gitws, Inner: inspector}
		}
		watcher = prwatch.New(prwatch.Options{
			API:           client,
			Inspector:     inspector,
			Resolver:      resolver,
			Reviews:       s.dispatcher,
			Bus:           s.bus,
			Pool:          pool,
			Repos:         repos,
			CheckInterval: time.Duration(s.cfg.Polling.PRMonitor.CheckIntervalS) * time.Second,
			Logger:        s.log,
		})
	}

	// 9. Poller.
	var recovery poller.Recovery
	if watcher != nil {
		recovery = watcher
	}
	poll := poller.New(poller.Options{
		Repos:       pollRepos,
		Source:      poller.ClientSource{Client: client},
		Claimer:     claimer,
		Decider:     gw,
		Sink:        s.dispatcher,
		Recovery:    recovery,
		Bus:         s.bus,
		Claimant:    claimant,
		Parallelism: s.cfg.Polling.Parallelism,
		Logger:      s.log,
	})

	// 10. Monitor surface last; readiness now reflects real state.
	adminToken := ""
	if ref := s.cfg.Monitor.AdminTokenRef; ref != "" {
		adminToken, err = store.Get(ref)
		if err != nil {
			s.log.WithError(err).Warn("admin token unavailable, control surface disabled")
			adminToken = ""
		}
	}
	s.monitorSrv = monitor.New(monitor.Options{
		Addr:           s.cfg.Monitor.Addr,
		Bus:            s.bus,
		Registry:       s.reg,
		AdminToken:     adminToken,
		MaxSubscribers: s.cfg.Monitor.MaxSubscribers,
		OnReload:       s.Reload,
		OnShutdown:     s.Shutdown,
		Logger:         s.log,
	})
	if err := s.monitorSrv.Start(); err != nil {
		s.log.WithError(err).Error("monitor start failed")
		return ExitInternal
	}

	s.log.WithFields(logrus.Fields{
		"env":     s.cfg.Environment.Tag,
		"repos":   len(pollRepos),
		"agents":  len(agentCfgs),
		"monitor": s.monitorSrv.Addr(),
	}).Info("orchestrator up")

	// Loops run until ctx ends; any loop error stops the rest.
	g, loopCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return poll.Run(loopCtx) })
	if watcher != nil {
		g.Go(func() error { return watcher.Run(loopCtx) })
	}
	runErr := g.Wait()

	s.teardown()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		s.log.WithError(runErr).Error("orchestrator stopped on failure")
		return ExitInternal
	}
	s.log.Info("orchestrator stopped")
	return ExitOK
}

// teardown unwinds in reverse bring-up order: monitor, in-flight tasks,
// agents, then the bus via the deferred Close.
func (s *Supervisor) teardown() {
	grace := s.cfg.Dispatch.ShutdownGrace()
	if grace <= 0 {
		grace = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if s.monitorSrv != nil {
		if err := s.monitorSrv.Stop(ctx); err != nil {
			s.log.WithError(err).Warn("monitor shutdown incomplete")
		}
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("task shutdown incomplete")
		}
	}
	if s.reg != nil {
		for _, snap := range s.reg.List("") {
			s.reg.Stop(snap.Config.ID)
		}
	}
}

// claimRouter picks the claim protocol whose timeout matches the
// repository override, falling back to the service default.
type claimRouter struct {
	def    *claim.Protocol
	byRepo map[string]*claim.Protocol
}

func (r *claimRouter) TryClaim(ctx context.Context, item work.Item, agentID string) (claim.Result, error) {
	if p, ok := r.byRepo[item.Repo.String()]; ok {
		return p.TryClaim(ctx, item, agentID)
	}
	return r.def.TryClaim(ctx, item, agentID)
}

// coordinatorChecker builds the gateway sanity checker from the first
// enabled coordinator's inference binding. No coordinator means no
// sanity-check pass.
func (s *Supervisor) coordinatorChecker(configs []registry.AgentConfig) llm.Client {
	for _, cfg := range configs {
		if cfg.Role != registry.RoleCoordinator || !cfg.Enabled {
			continue
		}
		checker, err := llm.FromBinding(cfg.LLM)
		if err != nil {
			s.log.WithError(err).WithField("agent", cfg.ID).
				Warn("coordinator binding unusable, sanity check disabled")
			return nil
		}
		return checker
	}
	return nil
}
