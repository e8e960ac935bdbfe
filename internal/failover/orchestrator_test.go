package failover

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory ObjectStore.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (f *fakeStore) Put(_ context.Context, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = append([]byte(nil), body...)
	return nil
}

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if body, ok := f.objects[key]; ok {
		return append([]byte(nil), body...), nil
	}
	return nil, os.ErrNotExist
}

// fakeAgents records the quiesce call ordering for the barrier check.
type fakeAgents struct {
	mu      sync.Mutex
	running int
	started int
	stopped bool
}

func (f *fakeAgents) Start(_ context.Context) error {
	f.mu.Lock()
	f.started++
	f.stopped = false
	if f.running == 0 {
		f.running = 1
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeAgents) RunningCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return 0
	}
	return f.running
}

func (f *fakeAgents) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeAgents) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func newTestOrchestrator(t *testing.T, agents *fakeAgents, store *fakeStore, hoursUsed float64) (*Orchestrator, string) {
	t.Helper()
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "usage_ledger.json")

	if hoursUsed > 0 {
		l := &UsageLedger{
			PrimaryHoursUsed: hoursUsed,
			PeriodStart:      time.Now().UTC().AddDate(0, 0, -10),
			ActiveEnv:        EnvPrimary,
		}
		require.NoError(t, l.Save(ledgerPath))
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	o, err := New(store, agents, logger, Options{
		WarnThreshold:   400,
		SwitchThreshold: 500,
		LedgerPath:      ledgerPath,
		StateDir:        dir,
	})
	require.NoError(t, err)
	return o, dir
}

func TestFreshLedgerStartsPrimaryActive(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeAgents{running: 1}, newFakeStore(), 0)
	assert.Equal(t, StatePrimaryActive, o.State())
	assert.Equal(t, EnvPrimary, o.Ledger().ActiveEnv)
}

func TestHoursAccrueOnlyWhileAgentsRun(t *testing.T) {
	agents := &fakeAgents{running: 0}
	o, _ := newTestOrchestrator(t, agents, newFakeStore(), 0)

	require.NoError(t, o.Tick(context.Background(), time.Hour))
	assert.Zero(t, o.Ledger().PrimaryHoursUsed, "idle supervisor burns nothing")

	agents.mu.Lock()
	agents.running = 2
	agents.mu.Unlock()
	require.NoError(t, o.Tick(context.Background(), 30*time.Minute))
	assert.InDelta(t, 0.5, o.Ledger().PrimaryHoursUsed, 1e-9)
}

func TestWarnThresholdTransition(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeAgents{running: 1}, newFakeStore(), 420)
	assert.Equal(t, StatePrimaryWarn, o.State())

	require.NoError(t, o.Tick(context.Background(), time.Minute))
	assert.Equal(t, StatePrimaryWarn, o.State())
	assert.Equal(t, EnvPrimary, o.Ledger().ActiveEnv, "warn does not cut over")
}

func TestCutoverAtSwitchThreshold(t *testing.T) {
	agents := &fakeAgents{running: 1}
	store := newFakeStore()
	o, dir := newTestOrchestrator(t, agents, store, 499.9)

	// Seed a broker state file so the sync has something to move.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broker_state.json"),
		[]byte(`{"cash":96500}`), 0o644))

	// One more tick of compute pushes usage past the threshold.
	require.NoError(t, o.Tick(context.Background(), 12*time.Minute))

	assert.Equal(t, StateFailoverActive, o.State())
	ledger := o.Ledger()
	assert.Equal(t, EnvFailover, ledger.ActiveEnv)
	assert.False(t, ledger.LastSwitchAt.IsZero())

	// The cutover barrier stopped the agents before the sync.
	assert.True(t, agents.stopped)
	assert.Zero(t, agents.RunningCount())

	// State moved through the shared store.
	body, err := store.Get(context.Background(), "broker_state.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"cash":96500}`, string(body))

	// The published ledger tells the standby side to take over.
	raw, err := store.Get(context.Background(), "usage_ledger.json")
	require.NoError(t, err)
	var remote UsageLedger
	require.NoError(t, json.Unmarshal(raw, &remote))
	assert.Equal(t, EnvFailover, remote.ActiveEnv)
}

func TestNoFurtherAccrualAfterCutover(t *testing.T) {
	agents := &fakeAgents{running: 1}
	o, _ := newTestOrchestrator(t, agents, newFakeStore(), 600)

	require.NoError(t, o.Tick(context.Background(), time.Minute))
	used := o.Ledger().PrimaryHoursUsed

	require.NoError(t, o.Tick(context.Background(), time.Hour))
	assert.Equal(t, used, o.Ledger().PrimaryHoursUsed,
		"failover environment does not burn primary hours")
	assert.Equal(t, StateFailoverActive, o.State())
}

func TestLedgerPersistsAcrossRestart(t *testing.T) {
	agents := &fakeAgents{running: 1}
	o, dir := newTestOrchestrator(t, agents, newFakeStore(), 100)
	require.NoError(t, o.Tick(context.Background(), time.Hour))

	reloaded, err := LoadLedger(filepath.Join(dir, "usage_ledger.json"), time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 101, reloaded.PrimaryHoursUsed, 1e-9)
}

func TestPeriodResetReturnsToPrimary(t *testing.T) {
	agents := &fakeAgents{running: 1}
	store := newFakeStore()
	o, dir := newTestOrchestrator(t, agents, store, 600)

	// Cut over first.
	require.NoError(t, o.Tick(context.Background(), time.Minute))
	require.Equal(t, StateFailoverActive, o.State())

	// Failover environment progressed the state; reset pulls it back.
	require.NoError(t, store.Put(context.Background(), "broker_state.json",
		[]byte(`{"cash":97000}`)))

	require.NoError(t, o.ResetPeriod(context.Background()))

	assert.Equal(t, StatePrimaryActive, o.State())
	ledger := o.Ledger()
	assert.Zero(t, ledger.PrimaryHoursUsed)
	assert.Equal(t, EnvPrimary, ledger.ActiveEnv)

	raw, err := os.ReadFile(filepath.Join(dir, "broker_state.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"cash":97000}`, string(raw))
}

func newEnvOrchestrator(t *testing.T, env string, agents *fakeAgents, store *fakeStore) (*Orchestrator, string) {
	t.Helper()
	dir := t.TempDir()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	o, err := New(store, agents, logger, Options{
		Environment:     env,
		WarnThreshold:   400,
		SwitchThreshold: 500,
		LedgerPath:      filepath.Join(dir, "usage_ledger.json"),
		StateDir:        dir,
	})
	require.NoError(t, err)
	return o, dir
}

func putLedgerObject(t *testing.T, store *fakeStore, l UsageLedger) {
	t.Helper()
	raw, err := json.Marshal(l)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "usage_ledger.json", raw))
}

func TestFailoverSideStandsByThenTakesOver(t *testing.T) {
	agents := &fakeAgents{}
	store := newFakeStore()
	o, dir := newEnvOrchestrator(t, EnvFailover, agents, store)

	// Primary owns the workload; this side starts nothing.
	require.NoError(t, o.Activate(context.Background()))
	assert.Zero(t, agents.startCount())
	require.NoError(t, o.Tick(context.Background(), time.Minute))
	assert.Zero(t, agents.startCount())

	// The primary cuts over: quiesced state and the switched ledger
	// land in the shared store.
	require.NoError(t, store.Put(context.Background(), "broker_state.json",
		[]byte(`{"cash":96500}`)))
	putLedgerObject(t, store, UsageLedger{
		PrimaryHoursUsed: 500.2,
		PeriodStart:      time.Now().UTC().AddDate(0, 0, -10),
		ActiveEnv:        EnvFailover,
		LastSwitchAt:     time.Now().UTC(),
	})

	require.NoError(t, o.Tick(context.Background(), time.Minute))
	assert.Equal(t, 1, agents.startCount())
	assert.Equal(t, StateFailoverActive, o.State())

	// Takeover restored the quiesced snapshot before starting.
	raw, err := os.ReadFile(filepath.Join(dir, "broker_state.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"cash":96500}`, string(raw))
}

func TestPrimaryStandsByWhenLedgerNamesFailover(t *testing.T) {
	agents := &fakeAgents{}
	store := newFakeStore()
	putLedgerObject(t, store, UsageLedger{
		PrimaryHoursUsed: 510,
		PeriodStart:      time.Now().UTC().AddDate(0, 0, -10),
		ActiveEnv:        EnvFailover,
	})
	o, _ := newEnvOrchestrator(t, EnvPrimary, agents, store)

	require.NoError(t, o.Activate(context.Background()))
	assert.Zero(t, agents.startCount(), "restarted primary must not double-run the workload")
	assert.Equal(t, StateFailoverActive, o.State())
}

func TestFailoverHandsBackAfterReset(t *testing.T) {
	agents := &fakeAgents{}
	store := newFakeStore()

	active := UsageLedger{
		PrimaryHoursUsed: 505,
		PeriodStart:      time.Now().UTC().AddDate(0, 0, -10),
		ActiveEnv:        EnvFailover,
	}
	putLedgerObject(t, store, active)

	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "usage_ledger.json")
	require.NoError(t, active.Save(ledgerPath))

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	o, err := New(store, agents, logger, Options{
		Environment:     EnvFailover,
		WarnThreshold:   400,
		SwitchThreshold: 500,
		LedgerPath:      ledgerPath,
		StateDir:        dir,
	})
	require.NoError(t, err)

	require.NoError(t, o.Activate(context.Background()))
	assert.Equal(t, 1, agents.startCount())
	assert.Equal(t, StateFailoverActive, o.State())

	// The primary publishes a fresh-period ledger; this side stands down.
	putLedgerObject(t, store, UsageLedger{
		PeriodStart: time.Now().UTC(),
		ActiveEnv:   EnvPrimary,
	})
	require.NoError(t, o.Tick(context.Background(), time.Minute))

	assert.True(t, agents.stopped)
	assert.Equal(t, StatePrimaryActive, o.State())
	assert.Equal(t, EnvPrimary, o.Ledger().ActiveEnv)
	assert.Zero(t, o.Ledger().PrimaryHoursUsed)
}

func TestCorruptLedgerFailsNew(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "usage_ledger.json")
	require.NoError(t, os.WriteFile(ledgerPath, []byte("{broken"), 0o644))

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	_, err := New(newFakeStore(), &fakeAgents{}, logger, Options{
		WarnThreshold:   400,
		SwitchThreshold: 500,
		LedgerPath:      ledgerPath,
		StateDir:        dir,
	})
	assert.Error(t, err)
}
