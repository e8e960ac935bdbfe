// Package supervisor manages the agent roster: spawning, restart with
// exponential backoff, lock files against double-starts, and ordered
// shutdown.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/michael_scarn/internal/config"
	"github.com/eddiefleurent/michael_scarn/internal/metrics"
)

// Spec declares one managed agent.
type Spec struct {
	Name     string
	Command  string
	Args     []string
	Required bool
	Priority int // lower starts first
}

// SpecsFromConfig converts the config roster.
func SpecsFromConfig(agents []config.AgentConfig) []Spec {
	out := make([]Spec, 0, len(agents))
	for _, a := range agents {
		out = append(out, Spec{
			Name:     a.Name,
			Command:  a.Command,
			Args:     a.Args,
			Required: a.Required,
			Priority: a.Priority,
		})
	}
	return out
}

// Status is the observable state of one agent, served on /agents.
type Status struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid,omitempty"`
	Running   bool      `json:"running"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at,omitempty"`
	LastExit  string    `json:"last_exit,omitempty"`
}

// Options tune restart pacing and shutdown behavior.
type Options struct {
	InitialBackoff  time.Duration // first restart delay, default 2s
	MaxBackoff      time.Duration // backoff cap, default 60s
	StabilityWindow time.Duration // uptime that resets the backoff, default 60s
	GracePeriod     time.Duration // SIGTERM to SIGKILL, default 30s
}

func (o *Options) normalize() {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 2 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 60 * time.Second
	}
	if o.StabilityWindow <= 0 {
		o.StabilityWindow = 60 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 30 * time.Second
	}
}

type agent struct {
	spec    Spec
	cmd     *exec.Cmd
	logFile *os.File
	status  Status
	backoff time.Duration
}

// Supervisor runs the roster. Start spawns everything; Stop tears it
// down with a SIGTERM grace window.
type Supervisor struct {
	specs  []Spec
	paths  config.PathsConfig
	opts   Options
	logger *logrus.Logger

	mu     sync.Mutex
	agents map[string]*agent
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a supervisor over the roster. Specs are started in
// priority order.
func New(specs []Spec, paths config.PathsConfig, opts Options, logger *logrus.Logger) *Supervisor {
	opts.normalize()
	sorted := make([]Spec, len(specs))
	copy(sorted, specs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return &Supervisor{
		specs:  sorted,
		paths:  paths,
		opts:   opts,
		logger: logger,
		agents: make(map[string]*agent),
	}
}

// Start launches every agent in the roster. An empty roster is a no-op
// success. A required agent that cannot be spawned fails the whole
// start; optional agents log and are skipped.
func (s *Supervisor) Start(ctx context.Context) error {
	if len(s.specs) == 0 {
		s.logger.Info("agent roster is empty, nothing to supervise")
		return nil
	}

	if err := os.MkdirAll(s.paths.LogDir, 0o755); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}
	if err := os.MkdirAll(s.paths.RunDir, 0o755); err != nil {
		return fmt.Errorf("creating run dir: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	for _, spec := range s.specs {
		if err := s.startAgent(ctx, spec); err != nil {
			if spec.Required {
				cancel()
				return fmt.Errorf("required agent %s: %w", spec.Name, err)
			}
			s.logger.WithError(err).WithField("agent", spec.Name).
				Error("optional agent failed to start")
		}
	}
	return nil
}

func (s *Supervisor) startAgent(ctx context.Context, spec Spec) error {
	lockPath := s.paths.AgentLock(spec.Name)
	if holder, err := checkLock(lockPath); err != nil {
		return err
	} else if holder != 0 {
		// Another supervisor (or a previous run) already owns this
		// agent; starting is idempotent.
		s.logger.WithFields(logrus.Fields{
			"agent": spec.Name,
			"pid":   holder,
		}).Info("agent already running, skipping")
		s.mu.Lock()
		s.agents[spec.Name] = &agent{
			spec:   spec,
			status: Status{Name: spec.Name, PID: holder, Running: true},
		}
		s.mu.Unlock()
		return nil
	}

	a := &agent{spec: spec, backoff: s.opts.InitialBackoff, status: Status{Name: spec.Name}}
	if err := s.spawn(a); err != nil {
		s.mu.Lock()
		a.status.LastExit = err.Error()
		s.agents[spec.Name] = a
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.agents[spec.Name] = a
	s.mu.Unlock()

	s.wg.Add(1)
	go s.monitor(ctx, a)
	return nil
}

// spawn launches the agent process with stdout and stderr appended to
// its log file, then records pid and lock files.
func (s *Supervisor) spawn(a *agent) error {
	logFile, err := os.OpenFile(s.paths.AgentLog(a.spec.Name),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening agent log: %w", err)
	}

	cmd := exec.Command(a.spec.Command, a.spec.Args...) // #nosec G204 -- roster comes from the operator's config
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return fmt.Errorf("starting %s: %w", a.spec.Command, err)
	}

	pid := cmd.Process.Pid
	if err := writeLock(s.paths.AgentLock(a.spec.Name), pid); err != nil {
		s.logger.WithError(err).WithField("agent", a.spec.Name).Warn("writing lock file")
	}
	if err := os.WriteFile(s.paths.AgentPid(a.spec.Name), []byte(fmt.Sprint(pid)), 0o644); err != nil {
		s.logger.WithError(err).WithField("agent", a.spec.Name).Warn("writing pid file")
	}

	a.cmd = cmd
	a.logFile = logFile
	a.status.PID = pid
	a.status.Running = true
	a.status.StartedAt = time.Now().UTC()
	metrics.AgentsRunning.Inc()

	s.logger.WithFields(logrus.Fields{
		"agent": a.spec.Name,
		"pid":   pid,
	}).Info("agent started")
	return nil
}

// monitor waits on the agent and restarts it with exponential backoff
// until the context is canceled.
func (s *Supervisor) monitor(ctx context.Context, a *agent) {
	defer s.wg.Done()
	defer releaseLock(s.paths.AgentLock(a.spec.Name))
	defer func() { _ = os.Remove(s.paths.AgentPid(a.spec.Name)) }()

	for {
		started := time.Now()
		waitErr := a.cmd.Wait()
		uptime := time.Since(started)
		_ = a.logFile.Close()
		metrics.AgentsRunning.Dec()

		s.mu.Lock()
		a.status.Running = false
		if waitErr != nil {
			a.status.LastExit = waitErr.Error()
		} else {
			a.status.LastExit = "exit status 0"
		}
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}

		// An agent that finishes its work and exits 0 is done, not
		// crashed. Only failures earn a restart.
		if waitErr == nil {
			s.logger.WithFields(logrus.Fields{
				"agent":  a.spec.Name,
				"uptime": uptime.Round(time.Second).String(),
			}).Info("agent exited cleanly, not restarting")
			return
		}

		s.mu.Lock()
		a.status.Restarts++
		if uptime >= s.opts.StabilityWindow {
			a.backoff = s.opts.InitialBackoff
		}
		wait := a.backoff
		a.backoff *= 2
		if a.backoff > s.opts.MaxBackoff {
			a.backoff = s.opts.MaxBackoff
		}
		s.mu.Unlock()
		metrics.AgentRestarts.WithLabelValues(a.spec.Name).Inc()

		s.logger.WithFields(logrus.Fields{
			"agent":   a.spec.Name,
			"uptime":  uptime.Round(time.Second).String(),
			"backoff": wait.String(),
			"exit":    a.status.LastExit,
		}).Warn("agent exited, restarting")

		// Respawn, retrying on the backoff schedule until it sticks or
		// shutdown begins.
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}

			s.mu.Lock()
			err := s.spawn(a)
			if err != nil {
				a.status.LastExit = err.Error()
				wait = a.backoff
				a.backoff *= 2
				if a.backoff > s.opts.MaxBackoff {
					a.backoff = s.opts.MaxBackoff
				}
			}
			s.mu.Unlock()
			if err == nil {
				break
			}
			s.logger.WithError(err).WithField("agent", a.spec.Name).Error("respawn failed")
		}
	}
}

// Stop terminates all agents: SIGTERM, a grace period, then SIGKILL
// for stragglers. Safe to call more than once.
func (s *Supervisor) Stop() {
	// Capture process handles under the lock; monitor goroutines swap
	// a.cmd on respawn.
	type liveAgent struct {
		a    *agent
		proc *os.Process
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	var live []liveAgent
	for _, a := range s.agents {
		if a.cmd != nil && a.cmd.Process != nil && a.status.Running {
			live = append(live, liveAgent{a: a, proc: a.cmd.Process})
		}
	}
	s.mu.Unlock()

	for _, l := range live {
		s.logger.WithField("agent", l.a.spec.Name).Info("sending SIGTERM")
		_ = l.proc.Signal(syscall.SIGTERM)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.opts.GracePeriod):
		for _, l := range live {
			s.mu.Lock()
			running := l.a.status.Running
			s.mu.Unlock()
			if running {
				s.logger.WithField("agent", l.a.spec.Name).Warn("grace period expired, sending SIGKILL")
				_ = l.proc.Kill()
			}
		}
		<-done
	}

	s.mu.Lock()
	for _, a := range s.agents {
		releaseLock(s.paths.AgentLock(a.spec.Name))
	}
	s.mu.Unlock()
}

// RunningCount returns the number of live agents.
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.agents {
		if a.status.Running {
			n++
		}
	}
	return n
}

// Agents returns a snapshot of all agent statuses in roster order.
func (s *Supervisor) Agents() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.specs))
	for _, spec := range s.specs {
		if a, ok := s.agents[spec.Name]; ok {
			out = append(out, a.status)
		} else {
			out = append(out, Status{Name: spec.Name})
		}
	}
	return out
}
