package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/michael_scarn/internal/config"
)

func testPaths(t *testing.T) config.PathsConfig {
	t.Helper()
	dir := t.TempDir()
	return config.PathsConfig{
		StateDir:   filepath.Join(dir, "state"),
		RuntimeDir: filepath.Join(dir, "runtime"),
		LogDir:     filepath.Join(dir, "logs"),
		RunDir:     filepath.Join(dir, "run"),
	}
}

func testOptions() Options {
	return Options{
		InitialBackoff:  10 * time.Millisecond,
		MaxBackoff:      50 * time.Millisecond,
		StabilityWindow: time.Hour,
		GracePeriod:     2 * time.Second,
	}
}

func newTestSupervisor(t *testing.T, specs []Spec) *Supervisor {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(specs, testPaths(t), testOptions(), logger)
}

func TestEmptyRosterIsCleanNoop(t *testing.T) {
	s := newTestSupervisor(t, nil)
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 0, s.RunningCount())
	s.Stop()
}

func TestStartAndStopAgent(t *testing.T) {
	s := newTestSupervisor(t, []Spec{
		{Name: "sleeper", Command: "sleep", Args: []string{"60"}},
	})
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return s.RunningCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	statuses := s.Agents()
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Running)
	assert.NotZero(t, statuses[0].PID)

	s.Stop()
	assert.Equal(t, 0, s.RunningCount())

	// Lock released on shutdown.
	_, err := os.Stat(s.paths.AgentLock("sleeper"))
	assert.True(t, os.IsNotExist(err))
}

func TestCrashingAgentIsRestarted(t *testing.T) {
	s := newTestSupervisor(t, []Spec{
		{Name: "flaky", Command: "sh", Args: []string{"-c", "exit 1"}},
	})
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool {
		for _, st := range s.Agents() {
			if st.Restarts >= 2 {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "agent should be restarted after crashing")

	s.Stop()
}

func TestCleanExitIsNotRestarted(t *testing.T) {
	s := newTestSupervisor(t, []Spec{
		{Name: "oneshot", Command: "sh", Args: []string{"-c", "exit 0"}},
	})
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool {
		statuses := s.Agents()
		return len(statuses) == 1 && !statuses[0].Running
	}, 2*time.Second, 10*time.Millisecond)

	// Well past the restart backoff; a finished agent stays down.
	time.Sleep(100 * time.Millisecond)
	statuses := s.Agents()
	assert.False(t, statuses[0].Running)
	assert.Zero(t, statuses[0].Restarts)
	assert.Equal(t, "exit status 0", statuses[0].LastExit)
	s.Stop()
}

func TestRequiredAgentFailureFailsStart(t *testing.T) {
	s := newTestSupervisor(t, []Spec{
		{Name: "broken", Command: "/nonexistent/binary", Required: true},
	})
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required agent broken")
}

func TestOptionalAgentFailureIsTolerated(t *testing.T) {
	s := newTestSupervisor(t, []Spec{
		{Name: "broken", Command: "/nonexistent/binary"},
		{Name: "sleeper", Command: "sleep", Args: []string{"60"}},
	})
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return s.RunningCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	s.Stop()
}

func TestIdempotentStartSkipsHeldLock(t *testing.T) {
	s := newTestSupervisor(t, []Spec{
		{Name: "held", Command: "sleep", Args: []string{"60"}},
	})
	require.NoError(t, os.MkdirAll(s.paths.RunDir, 0o755))
	// The test process itself holds the lock: definitely alive.
	require.NoError(t, os.WriteFile(s.paths.AgentLock("held"),
		[]byte(strconv.Itoa(os.Getpid())), 0o644))

	require.NoError(t, s.Start(context.Background()))

	statuses := s.Agents()
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Running)
	assert.Equal(t, os.Getpid(), statuses[0].PID, "existing holder adopted, no second spawn")
	s.Stop()
}

func TestStaleLockIsReclaimed(t *testing.T) {
	s := newTestSupervisor(t, []Spec{
		{Name: "reclaim", Command: "sleep", Args: []string{"60"}},
	})
	require.NoError(t, os.MkdirAll(s.paths.RunDir, 0o755))
	// Max pid on Linux is far below this; the lock holder is dead.
	require.NoError(t, os.WriteFile(s.paths.AgentLock("reclaim"),
		[]byte("99999999"), 0o644))

	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return s.RunningCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	statuses := s.Agents()
	assert.NotEqual(t, 99999999, statuses[0].PID)
	s.Stop()
}

func TestAgentsStartInPriorityOrder(t *testing.T) {
	s := newTestSupervisor(t, []Spec{
		{Name: "second", Command: "sleep", Args: []string{"60"}, Priority: 2},
		{Name: "first", Command: "sleep", Args: []string{"60"}, Priority: 1},
	})
	require.NoError(t, s.Start(context.Background()))

	statuses := s.Agents()
	require.Len(t, statuses, 2)
	assert.Equal(t, "first", statuses[0].Name)
	assert.Equal(t, "second", statuses[1].Name)
	s.Stop()
}

func TestAgentLogIsWritten(t *testing.T) {
	s := newTestSupervisor(t, []Spec{
		{Name: "echoer", Command: "sh", Args: []string{"-c", "echo started; sleep 60"}},
	})
	require.NoError(t, s.Start(context.Background()))

	logPath := s.paths.AgentLog("echoer")
	assert.Eventually(t, func() bool {
		raw, err := os.ReadFile(logPath)
		return err == nil && len(raw) > 0
	}, 2*time.Second, 20*time.Millisecond)
	s.Stop()
}
