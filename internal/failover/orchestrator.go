package failover

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/michael_scarn/internal/metrics"
)

// State is the orchestrator position in the budget cycle.
type State string

const (
	StatePrimaryActive  State = "PRIMARY_ACTIVE"
	StatePrimaryWarn    State = "PRIMARY_WARN"
	StateFailoverActive State = "FAILOVER_ACTIVE"
)

// AgentController is what the orchestrator needs from the supervisor:
// a start for ledger-gated takeovers, an in-flight count for the hour
// meter, and a blocking stop for the cutover barrier. Stop returns
// only when every agent is down, which is what guarantees zero
// in-flight orders at cutover.
type AgentController interface {
	Start(ctx context.Context) error
	RunningCount() int
	Stop()
}

// Options configure the orchestrator.
type Options struct {
	// Environment names which side of the pair this process runs on,
	// EnvPrimary or EnvFailover. Defaults to EnvPrimary.
	Environment     string
	WarnThreshold   float64 // hours
	SwitchThreshold float64 // hours
	LedgerPath      string
	StateDir        string

	// Keep-alive pinger; ping traffic does not burn hours.
	PrimaryHealthURL string
	PingSchedule     string // cron spec, default @every 10m
	ResetSchedule    string // cron spec for the period boundary, default monthly

	AccrualInterval time.Duration    // hour meter resolution, default 1m
	Now             func() time.Time // injectable for tests
}

// Orchestrator accrues primary compute hours while agents run and
// cuts the workload over to the failover environment when the budget
// threshold is crossed.
type Orchestrator struct {
	opts   Options
	store  ObjectStore
	agents AgentController
	logger *logrus.Logger
	httpc  *http.Client
	cron   *cron.Cron

	mu            sync.Mutex
	ledger        *UsageLedger
	state         State
	agentsRunning bool

	stop chan struct{}
	done chan struct{}
}

// New builds an orchestrator. The ledger is loaded (or initialized)
// immediately so a corrupt ledger fails fast.
func New(store ObjectStore, agents AgentController, logger *logrus.Logger, opts Options) (*Orchestrator, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Environment == "" {
		opts.Environment = EnvPrimary
	}
	if opts.AccrualInterval <= 0 {
		opts.AccrualInterval = time.Minute
	}
	if opts.PingSchedule == "" {
		opts.PingSchedule = "@every 10m"
	}
	if opts.ResetSchedule == "" {
		opts.ResetSchedule = "0 0 1 * *"
	}

	ledger, err := LoadLedger(opts.LedgerPath, opts.Now())
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		opts:   opts,
		store:  store,
		agents: agents,
		logger: logger,
		httpc:  &http.Client{Timeout: 10 * time.Second},
		ledger: ledger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	o.state = o.deriveState()
	metrics.PrimaryHoursUsed.Set(ledger.PrimaryHoursUsed)
	return o, nil
}

func (o *Orchestrator) deriveState() State {
	switch {
	case o.ledger.ActiveEnv == EnvFailover:
		return StateFailoverActive
	case o.ledger.PrimaryHoursUsed >= o.opts.WarnThreshold:
		return StatePrimaryWarn
	default:
		return StatePrimaryActive
	}
}

// Activate decides whether this environment runs the agent roster.
// The ledger copy in the object store is authoritative for which
// environment owns the workload; the standby side starts nothing and
// watches the ledger from Tick instead.
func (o *Orchestrator) Activate(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	becameActive := o.adoptRemoteLedger(ctx)

	if o.ledger.ActiveEnv != o.opts.Environment {
		o.state = o.deriveState()
		o.logger.WithFields(logrus.Fields{
			"environment": o.opts.Environment,
			"active_env":  o.ledger.ActiveEnv,
		}).Info("standing by, other environment owns the workload")
		return nil
	}
	return o.takeover(ctx, becameActive)
}

// takeover starts the agents on this environment. When the failover
// side is picking up a fresh cutover, the quiesced state snapshot is
// pulled down first; a failover restart that was already active keeps
// its own newer local state. Caller holds o.mu.
func (o *Orchestrator) takeover(ctx context.Context, freshHandoff bool) error {
	if o.opts.Environment == EnvFailover && freshHandoff {
		if err := RestoreStateFromStore(ctx, o.store, o.opts.StateDir); err != nil {
			return fmt.Errorf("restoring state for takeover: %w", err)
		}
	}
	if err := o.agents.Start(ctx); err != nil {
		return fmt.Errorf("starting agents: %w", err)
	}
	o.agentsRunning = true
	o.state = o.deriveState()
	o.logger.WithField("environment", o.opts.Environment).Info("agents running in this environment")
	return nil
}

// adoptRemoteLedger folds the object-store ledger into the local one
// and persists the result. The store copy is authoritative for the
// active environment and period boundaries; within a period the hour
// meter never moves backwards, since the store copy refreshes only on
// transitions. Reports whether this environment just became the
// active one. Caller holds o.mu.
func (o *Orchestrator) adoptRemoteLedger(ctx context.Context) bool {
	raw, err := o.store.Get(ctx, ledgerObject)
	if err != nil {
		return false
	}
	var remote UsageLedger
	if err := json.Unmarshal(raw, &remote); err != nil || remote.ActiveEnv == "" {
		o.logger.Warn("remote usage ledger unusable, keeping local copy")
		return false
	}

	wasActive := o.ledger.ActiveEnv == o.opts.Environment
	if remote.PeriodStart.After(o.ledger.PeriodStart) {
		*o.ledger = remote
	} else {
		o.ledger.ActiveEnv = remote.ActiveEnv
		o.ledger.LastSwitchAt = remote.LastSwitchAt
		if remote.PrimaryHoursUsed > o.ledger.PrimaryHoursUsed {
			o.ledger.PrimaryHoursUsed = remote.PrimaryHoursUsed
		}
	}
	if err := o.ledger.Save(o.opts.LedgerPath); err != nil {
		o.logger.WithError(err).Warn("persisting adopted ledger")
	}
	metrics.PrimaryHoursUsed.Set(o.ledger.PrimaryHoursUsed)
	return !wasActive && o.ledger.ActiveEnv == o.opts.Environment
}

// Start runs the accrual loop and the cron schedules. It returns
// immediately; Stop shuts both down.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.cron = cron.New()
	if o.opts.PrimaryHealthURL != "" {
		if _, err := o.cron.AddFunc(o.opts.PingSchedule, func() { o.ping(ctx) }); err != nil {
			return fmt.Errorf("ping schedule: %w", err)
		}
	}
	if _, err := o.cron.AddFunc(o.opts.ResetSchedule, func() {
		if err := o.ResetPeriod(ctx); err != nil {
			o.logger.WithError(err).Error("period reset failed")
		}
	}); err != nil {
		return fmt.Errorf("reset schedule: %w", err)
	}
	o.cron.Start()

	go func() {
		defer close(o.done)
		ticker := time.NewTicker(o.opts.AccrualInterval)
		defer ticker.Stop()
		last := o.opts.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.stop:
				return
			case <-ticker.C:
				now := o.opts.Now()
				if err := o.Tick(ctx, now.Sub(last)); err != nil {
					o.logger.WithError(err).Error("orchestrator tick failed")
				}
				last = now
			}
		}
	}()
	return nil
}

// Stop halts the accrual loop and cron schedules. A no-op if Start
// was never called.
func (o *Orchestrator) Stop() {
	if o.cron == nil {
		return
	}
	select {
	case <-o.stop:
	default:
		close(o.stop)
	}
	o.cron.Stop()
	<-o.done
}

// Tick advances the hour meter by elapsed wall time and evaluates the
// budget thresholds. Hours accrue only on the primary environment
// while it owns the workload and has agents running; an idle
// supervisor burns nothing. The standby side uses the tick to watch
// the shared ledger for a handoff instead.
func (o *Orchestrator) Tick(ctx context.Context, elapsed time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ledger.ActiveEnv != o.opts.Environment {
		if o.adoptRemoteLedger(ctx) {
			return o.takeover(ctx, true)
		}
		o.state = o.deriveState()
		return nil
	}

	if o.opts.Environment == EnvFailover {
		return o.tickFailoverActive(ctx)
	}

	if o.agents.RunningCount() > 0 {
		o.ledger.PrimaryHoursUsed += elapsed.Hours()
		metrics.PrimaryHoursUsed.Set(o.ledger.PrimaryHoursUsed)
		if err := o.ledger.Save(o.opts.LedgerPath); err != nil {
			return fmt.Errorf("persisting ledger: %w", err)
		}
	}

	switch {
	case o.ledger.PrimaryHoursUsed >= o.opts.SwitchThreshold:
		if err := o.cutover(ctx); err != nil {
			return err
		}

	case o.ledger.PrimaryHoursUsed >= o.opts.WarnThreshold:
		if o.state != StatePrimaryWarn {
			o.logger.WithFields(logrus.Fields{
				"hours_used":       o.ledger.PrimaryHoursUsed,
				"switch_threshold": o.opts.SwitchThreshold,
			}).Warn("primary usage budget running low")
		}
		o.state = StatePrimaryWarn

	default:
		o.state = StatePrimaryActive
	}
	return nil
}

// tickFailoverActive runs the active failover side: push the state
// snapshot so the primary restores something near-current at the next
// period reset, and watch the ledger for that reset. Caller holds
// o.mu.
func (o *Orchestrator) tickFailoverActive(ctx context.Context) error {
	o.adoptRemoteLedger(ctx)
	if o.ledger.ActiveEnv != o.opts.Environment {
		o.logger.Info("period reset observed, handing workload back to primary")
		o.agents.Stop()
		o.agentsRunning = false
		o.state = o.deriveState()
		return nil
	}

	if err := SyncStateToStore(ctx, o.store, o.opts.StateDir); err != nil {
		return fmt.Errorf("syncing state while failover active: %w", err)
	}
	o.state = StateFailoverActive
	return nil
}

// cutover is the stop-the-world barrier: quiesce the primary's agents,
// sync the quiesced state through the object store, then mark the
// ledger so the failover environment takes over. Caller holds o.mu.
func (o *Orchestrator) cutover(ctx context.Context) error {
	o.logger.WithField("hours_used", o.ledger.PrimaryHoursUsed).
		Warn("switch threshold crossed, cutting over to failover environment")

	// Blocking stop: no orders can be in flight once this returns.
	o.agents.Stop()
	o.agentsRunning = false

	now := o.opts.Now().UTC()
	o.ledger.ActiveEnv = EnvFailover
	o.ledger.LastSwitchAt = now
	if err := o.ledger.Save(o.opts.LedgerPath); err != nil {
		return fmt.Errorf("persisting ledger at cutover: %w", err)
	}

	if err := SyncStateToStore(ctx, o.store, o.opts.StateDir); err != nil {
		return fmt.Errorf("syncing state at cutover: %w", err)
	}

	o.state = StateFailoverActive
	o.logger.Info("cutover complete, failover environment owns the workload")
	return nil
}

// ResetPeriod zeroes the meter at the period boundary and returns the
// workload to the primary environment. Only the primary side acts on
// the boundary; the failover side learns of the reset from the shared
// ledger and stands down on its next tick. If the failover environment
// was active, its latest synced state is pulled back first.
func (o *Orchestrator) ResetPeriod(ctx context.Context) error {
	if o.opts.Environment != EnvPrimary {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	wasFailover := o.ledger.ActiveEnv == EnvFailover
	if wasFailover {
		if err := RestoreStateFromStore(ctx, o.store, o.opts.StateDir); err != nil {
			return fmt.Errorf("restoring state at period reset: %w", err)
		}
	}

	o.ledger.Reset(o.opts.Now())
	if err := o.ledger.Save(o.opts.LedgerPath); err != nil {
		return fmt.Errorf("persisting ledger at reset: %w", err)
	}
	if err := o.putLedger(ctx); err != nil {
		return fmt.Errorf("publishing reset ledger: %w", err)
	}
	metrics.PrimaryHoursUsed.Set(0)
	o.state = StatePrimaryActive

	if !o.agentsRunning {
		if err := o.agents.Start(ctx); err != nil {
			return fmt.Errorf("restarting agents after reset: %w", err)
		}
		o.agentsRunning = true
	}

	o.logger.WithField("was_failover", wasFailover).Info("usage period reset, primary active")
	return nil
}

// putLedger publishes the local ledger to the object store so the
// other environment observes transitions. Caller holds o.mu.
func (o *Orchestrator) putLedger(ctx context.Context) error {
	raw, err := json.MarshalIndent(o.ledger, "", "  ")
	if err != nil {
		return err
	}
	return o.store.Put(ctx, ledgerObject, raw)
}

// ping hits the primary health URL to prevent idle eviction. Failures
// are logged and otherwise ignored; the pinger never burns hours.
func (o *Orchestrator) ping(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.opts.PrimaryHealthURL, nil)
	if err != nil {
		return
	}
	resp, err := o.httpc.Do(req)
	if err != nil {
		o.logger.WithError(err).Warn("primary keep-alive ping failed")
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		o.logger.WithField("status", resp.StatusCode).Warn("primary keep-alive ping unhealthy")
	}
}

// State returns the current orchestrator state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Ledger returns a copy of the current ledger.
func (o *Orchestrator) Ledger() UsageLedger {
	o.mu.Lock()
	defer o.mu.Unlock()
	return *o.ledger
}
