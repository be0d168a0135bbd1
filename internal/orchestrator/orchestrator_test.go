package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cutoverd/cutover/internal/environment"
	"github.com/cutoverd/cutover/internal/probe"
	"github.com/cutoverd/cutover/internal/registry"
	"github.com/cutoverd/cutover/internal/retry"
	"github.com/cutoverd/cutover/internal/runtime"
	"github.com/cutoverd/cutover/pkg/config"
	"github.com/cutoverd/cutover/pkg/models"
)

// ---------------------------------------------------------------------------
// Mock Controller
// ---------------------------------------------------------------------------

type mockController struct {
	mu    sync.Mutex
	calls []string

	snapshotFn func(ctx context.Context, env *environment.Environment) (string, error)
	applyFn    func(ctx context.Context, env *environment.Environment, artifact *registry.ResolvedArtifact, strategy runtime.Strategy) error
	shiftFn    func(ctx context.Context, env *environment.Environment) error
	stopOldFn  func(ctx context.Context, env *environment.Environment) error
	stopNewFn  func(ctx context.Context, env *environment.Environment) error
	restoreFn  func(ctx context.Context, env *environment.Environment, backupRef string) error

	restoreRefs []string
}

func (m *mockController) record(name string) {
	m.mu.Lock()
	m.calls = append(m.calls, name)
	m.mu.Unlock()
}

func (m *mockController) callNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockController) Ping(ctx context.Context, env *environment.Environment) error {
	m.record("ping")
	return nil
}

func (m *mockController) Snapshot(ctx context.Context, env *environment.Environment) (string, error) {
	m.record("snapshot")
	if m.snapshotFn != nil {
		return m.snapshotFn(ctx, env)
	}
	return "backup-" + env.Name + "-1234", nil
}

func (m *mockController) Apply(ctx context.Context, env *environment.Environment, artifact *registry.ResolvedArtifact, strategy runtime.Strategy) error {
	m.record("apply")
	if m.applyFn != nil {
		return m.applyFn(ctx, env, artifact, strategy)
	}
	return nil
}

func (m *mockController) ShiftTraffic(ctx context.Context, env *environment.Environment) error {
	m.record("shift_traffic")
	if m.shiftFn != nil {
		return m.shiftFn(ctx, env)
	}
	return nil
}

func (m *mockController) StopOld(ctx context.Context, env *environment.Environment) error {
	m.record("stop_old")
	if m.stopOldFn != nil {
		return m.stopOldFn(ctx, env)
	}
	return nil
}

func (m *mockController) StopNew(ctx context.Context, env *environment.Environment) error {
	m.record("stop_new")
	if m.stopNewFn != nil {
		return m.stopNewFn(ctx, env)
	}
	return nil
}

func (m *mockController) Restore(ctx context.Context, env *environment.Environment, backupRef string) error {
	m.record("restore")
	m.mu.Lock()
	m.restoreRefs = append(m.restoreRefs, backupRef)
	m.mu.Unlock()
	if m.restoreFn != nil {
		return m.restoreFn(ctx, env, backupRef)
	}
	return nil
}

var _ runtime.Controller = (*mockController)(nil)

// ---------------------------------------------------------------------------
// Mock Indexer, Source, Prober
// ---------------------------------------------------------------------------

type mockIndexer struct {
	envs map[string]*environment.Environment
}

func newMockIndexer(envs ...*environment.Environment) *mockIndexer {
	m := &mockIndexer{envs: make(map[string]*environment.Environment)}
	for _, e := range envs {
		m.envs[e.Name] = e
	}
	return m
}

func (m *mockIndexer) Get(name string) (*environment.Environment, error) {
	e, ok := m.envs[name]
	if !ok {
		return nil, fmt.Errorf("environment not found: %s", name)
	}
	return e, nil
}

func (m *mockIndexer) GetAll() []*environment.Environment {
	var all []*environment.Environment
	for _, e := range m.envs {
		all = append(all, e)
	}
	return all
}

func (m *mockIndexer) BuildIndex(_ string) error { return nil }

var _ environment.Indexer = (*mockIndexer)(nil)

type mockSource struct {
	resolveFn func(ctx context.Context, ref string) (*registry.ResolvedArtifact, error)
}

func (m *mockSource) Resolve(ctx context.Context, ref string) (*registry.ResolvedArtifact, error) {
	if m.resolveFn != nil {
		return m.resolveFn(ctx, ref)
	}
	return &registry.ResolvedArtifact{Ref: ref, Digest: "sha256:abc", Image: ref}, nil
}

var _ registry.Source = (*mockSource)(nil)

type mockProber struct {
	mu      sync.Mutex
	probes  int
	probeFn func(ctx context.Context, endpoint string, n int) (probe.Result, error)
}

func (m *mockProber) Probe(ctx context.Context, endpoint string, _ time.Duration) (probe.Result, error) {
	m.mu.Lock()
	m.probes++
	n := m.probes
	m.mu.Unlock()
	if m.probeFn != nil {
		return m.probeFn(ctx, endpoint, n)
	}
	return probe.Healthy, nil
}

var _ probe.Prober = (*mockProber)(nil)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.DeploymentAttempt{}, &models.EnvironmentRecord{}))
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		Orchestrator: config.OrchestratorConfig{
			HealthCheckTimeout:    time.Second,
			HealthCheckMaxRetries: 3,
			HealthCheckRetryDelay: time.Millisecond,
			PostCutoverGrace:      0,
			AttemptTimeout:        time.Minute,
		},
	}
}

func stagingEnv() *environment.Environment {
	return &environment.Environment{
		Name:           "staging",
		Type:           "cutover",
		PlaybookName:   "staging",
		HealthEndpoint: "http://staging.example.com/healthz",
	}
}

type orchDeps struct {
	db         *gorm.DB
	controller *mockController
	source     *mockSource
	prober     *mockProber
}

func newTestOrchestrator(t *testing.T, opts ...func(*orchDeps)) (*Orchestrator, *orchDeps) {
	t.Helper()
	deps := &orchDeps{
		db:         testDB(t),
		controller: &mockController{},
		source:     &mockSource{},
		prober:     &mockProber{},
	}
	for _, o := range opts {
		o(deps)
	}
	orch := New(Opts{
		DB:             deps.db,
		Environments:   newMockIndexer(stagingEnv()),
		Source:         deps.source,
		Controller:     deps.controller,
		Prober:         deps.prober,
		ConfigProvider: &config.StaticProvider{Cfg: testConfig()},
		Logger:         zap.NewNop().Sugar(),
	})
	return orch, deps
}

func directRelease() Release {
	return Release{Environment: "staging", ArtifactRef: "app:1.2.3", Strategy: runtime.StrategyDirect}
}

func blueGreenRelease() Release {
	return Release{Environment: "staging", ArtifactRef: "app:1.2.3", Strategy: runtime.StrategyBlueGreen}
}

// ---------------------------------------------------------------------------
// Direct strategy
// ---------------------------------------------------------------------------

func TestDeploy_Direct_Success(t *testing.T) {
	orch, deps := newTestOrchestrator(t)

	attempt, err := orch.Deploy(context.Background(), directRelease())
	require.NoError(t, err)
	assert.Equal(t, models.StateSucceeded, attempt.State)
	assert.Equal(t, models.OutcomeSuccess, attempt.Outcome)
	assert.Equal(t, 1, attempt.HealthAttempts)
	assert.NotNil(t, attempt.EndedAt)

	assert.Equal(t, []string{"snapshot", "apply"}, deps.controller.callNames())

	rec, err := models.GetEnvironmentRecord(deps.db, "staging")
	require.NoError(t, err)
	assert.Equal(t, attempt.BackupRef, rec.LastGoodBackupRef)
	assert.Equal(t, "app:1.2.3", rec.LastDeployedRef)
}

func TestDeploy_UnknownEnvironment(t *testing.T) {
	orch, deps := newTestOrchestrator(t)

	_, err := orch.Deploy(context.Background(), Release{Environment: "nope", ArtifactRef: "app:1"})
	require.Error(t, err)
	assert.Empty(t, deps.controller.callNames())
}

func TestDeploy_PreflightCheckFails(t *testing.T) {
	orch, deps := newTestOrchestrator(t)
	orch.checks = []Check{CheckFunc{
		CheckName: "doomed",
		Fn:        func(context.Context, *environment.Environment) error { return fmt.Errorf("unreachable") },
	}}

	attempt, err := orch.Deploy(context.Background(), directRelease())
	var perr *PreflightError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "doomed", perr.Check)
	assert.Equal(t, models.StateFailed, attempt.State)
	assert.Equal(t, models.OutcomeFailed, attempt.Outcome)
	// Nothing was touched, so no snapshot and no restore.
	assert.Empty(t, deps.controller.callNames())
}

func TestDeploy_ArtifactResolutionFails(t *testing.T) {
	orch, deps := newTestOrchestrator(t, func(d *orchDeps) {
		d.source.resolveFn = func(context.Context, string) (*registry.ResolvedArtifact, error) {
			return nil, registry.ErrArtifactNotFound
		}
	})

	attempt, err := orch.Deploy(context.Background(), directRelease())
	var perr *PreflightError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "resolve-artifact", perr.Check)
	assert.ErrorIs(t, err, registry.ErrArtifactNotFound)
	assert.Equal(t, models.StateFailed, attempt.State)
	assert.Empty(t, deps.controller.callNames())
}

func TestDeploy_SnapshotFails(t *testing.T) {
	orch, deps := newTestOrchestrator(t, func(d *orchDeps) {
		d.controller.snapshotFn = func(context.Context, *environment.Environment) (string, error) {
			return "", fmt.Errorf("disk full")
		}
	})

	attempt, err := orch.Deploy(context.Background(), directRelease())
	var berr *BackupError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, models.StateFailed, attempt.State)
	assert.Equal(t, models.OutcomeFailed, attempt.Outcome)
	assert.Empty(t, attempt.BackupRef)
	// The deploy never started and no restore was attempted.
	assert.Equal(t, []string{"snapshot"}, deps.controller.callNames())
}

func TestDeploy_BackupRefPersistedBeforeApply(t *testing.T) {
	var refAtApply string
	orch, deps := newTestOrchestrator(t)
	deps.controller.applyFn = func(_ context.Context, _ *environment.Environment, _ *registry.ResolvedArtifact, _ runtime.Strategy) error {
		active, err := models.GetActiveAttempt(deps.db, "staging", false)
		if err != nil {
			return err
		}
		refAtApply = active.BackupRef
		return nil
	}

	attempt, err := orch.Deploy(context.Background(), directRelease())
	require.NoError(t, err)
	assert.NotEmpty(t, refAtApply)
	assert.Equal(t, attempt.BackupRef, refAtApply)
}

func TestDeploy_ApplyFails_RollsBack(t *testing.T) {
	orch, deps := newTestOrchestrator(t, func(d *orchDeps) {
		d.controller.applyFn = func(context.Context, *environment.Environment, *registry.ResolvedArtifact, runtime.Strategy) error {
			return fmt.Errorf("compose up exploded")
		}
	})

	attempt, err := orch.Deploy(context.Background(), directRelease())
	var derr *DeployError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, models.StateRolledBack, attempt.State)
	assert.Equal(t, models.OutcomeRolledBack, attempt.Outcome)
	assert.Contains(t, attempt.FailureCause, "compose up exploded")

	require.Len(t, deps.controller.restoreRefs, 1)
	assert.Equal(t, attempt.BackupRef, deps.controller.restoreRefs[0])
}

func TestDeploy_HealthCheckExhausted_RollsBack(t *testing.T) {
	orch, deps := newTestOrchestrator(t, func(d *orchDeps) {
		d.prober.probeFn = func(context.Context, string, int) (probe.Result, error) {
			return probe.Unhealthy, fmt.Errorf("connection refused")
		}
	})

	attempt, err := orch.Deploy(context.Background(), directRelease())
	var herr *HealthCheckExhaustedError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, 3, herr.Probes)
	assert.Equal(t, models.StateRolledBack, attempt.State)
	assert.Equal(t, models.OutcomeRolledBack, attempt.Outcome)
	assert.Equal(t, 3, attempt.HealthAttempts)

	// Rollback runs exactly once.
	require.Len(t, deps.controller.restoreRefs, 1)
	assert.Equal(t, attempt.BackupRef, deps.controller.restoreRefs[0])
}

func TestDeploy_ProbeTimeoutCountsAsFailure(t *testing.T) {
	orch, deps := newTestOrchestrator(t, func(d *orchDeps) {
		d.prober.probeFn = func(context.Context, string, int) (probe.Result, error) {
			return probe.TimedOut, context.DeadlineExceeded
		}
	})

	attempt, err := orch.Deploy(context.Background(), directRelease())
	var herr *HealthCheckExhaustedError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, models.StateRolledBack, attempt.State)
	assert.Equal(t, 3, attempt.HealthAttempts)
	require.Len(t, deps.controller.restoreRefs, 1)
}

func TestDeploy_HealthyAfterRetries(t *testing.T) {
	orch, _ := newTestOrchestrator(t, func(d *orchDeps) {
		d.prober.probeFn = func(_ context.Context, _ string, n int) (probe.Result, error) {
			if n < 3 {
				return probe.Unhealthy, fmt.Errorf("not yet")
			}
			return probe.Healthy, nil
		}
	})

	attempt, err := orch.Deploy(context.Background(), directRelease())
	require.NoError(t, err)
	assert.Equal(t, models.StateSucceeded, attempt.State)
	assert.Equal(t, 3, attempt.HealthAttempts)
}

func TestDeploy_CustomHealthPolicy(t *testing.T) {
	orch, _ := newTestOrchestrator(t, func(d *orchDeps) {
		d.prober.probeFn = func(context.Context, string, int) (probe.Result, error) {
			return probe.Unhealthy, fmt.Errorf("never ready")
		}
	})
	// The injected policy wins over the configured probe budget of 3.
	orch.policy = retry.Fixed{Attempts: 1, Interval: time.Millisecond}

	attempt, err := orch.Deploy(context.Background(), directRelease())
	var herr *HealthCheckExhaustedError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, 1, herr.Probes)
	assert.Equal(t, 1, attempt.HealthAttempts)
}

// ---------------------------------------------------------------------------
// Blue-green strategy
// ---------------------------------------------------------------------------

func TestDeploy_BlueGreen_Success_Ordering(t *testing.T) {
	orch, deps := newTestOrchestrator(t)

	attempt, err := orch.Deploy(context.Background(), blueGreenRelease())
	require.NoError(t, err)
	assert.Equal(t, models.StateSucceeded, attempt.State)
	assert.Equal(t, models.OutcomeSuccess, attempt.Outcome)

	// Old instances are stopped only after traffic has shifted.
	assert.Equal(t, []string{"snapshot", "apply", "shift_traffic", "stop_old"}, deps.controller.callNames())
}

func TestDeploy_BlueGreen_UnhealthyNew_TornDownBeforeRestore(t *testing.T) {
	orch, deps := newTestOrchestrator(t, func(d *orchDeps) {
		d.prober.probeFn = func(context.Context, string, int) (probe.Result, error) {
			return probe.Unhealthy, nil
		}
	})

	attempt, err := orch.Deploy(context.Background(), blueGreenRelease())
	var herr *HealthCheckExhaustedError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, models.StateRolledBack, attempt.State)

	// No traffic ever shifted, the failed stack was stopped, the old one restored.
	calls := deps.controller.callNames()
	assert.Equal(t, []string{"snapshot", "apply", "stop_new", "restore"}, calls)
	assert.NotContains(t, calls, "shift_traffic")
}

func TestDeploy_BlueGreen_ShiftFails_RollsBack(t *testing.T) {
	orch, deps := newTestOrchestrator(t, func(d *orchDeps) {
		d.controller.shiftFn = func(context.Context, *environment.Environment) error {
			return fmt.Errorf("traefik config rejected")
		}
	})

	attempt, err := orch.Deploy(context.Background(), blueGreenRelease())
	var derr *DeployError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, models.StateRolledBack, attempt.State)
	assert.Contains(t, attempt.FailureCause, "cutover")
	require.Len(t, deps.controller.restoreRefs, 1)
}

func TestDeploy_BlueGreen_GraceDelaysStopOld(t *testing.T) {
	const grace = 50 * time.Millisecond
	var shiftAt, stopOldAt time.Time
	orch, deps := newTestOrchestrator(t, func(d *orchDeps) {
		d.controller.shiftFn = func(context.Context, *environment.Environment) error {
			shiftAt = time.Now()
			return nil
		}
		d.controller.stopOldFn = func(context.Context, *environment.Environment) error {
			stopOldAt = time.Now()
			return nil
		}
	})
	cfg := testConfig()
	cfg.Orchestrator.PostCutoverGrace = grace
	orch.confProv = &config.StaticProvider{Cfg: cfg}

	attempt, err := orch.Deploy(context.Background(), blueGreenRelease())
	require.NoError(t, err)
	assert.Equal(t, models.StateSucceeded, attempt.State)

	assert.Equal(t, []string{"snapshot", "apply", "shift_traffic", "stop_old"}, deps.controller.callNames())
	assert.GreaterOrEqual(t, stopOldAt.Sub(shiftAt), grace)
}

func TestCancel_DuringCutoverGrace_RollsBack(t *testing.T) {
	shifted := make(chan struct{})
	orch, deps := newTestOrchestrator(t, func(d *orchDeps) {
		d.controller.shiftFn = func(context.Context, *environment.Environment) error {
			close(shifted)
			return nil
		}
	})
	cfg := testConfig()
	cfg.Orchestrator.PostCutoverGrace = time.Minute
	orch.confProv = &config.StaticProvider{Cfg: cfg}

	attempt, err := orch.Begin(blueGreenRelease())
	require.NoError(t, err)

	done := make(chan struct{})
	var runErr error
	go func() {
		defer close(done)
		_, runErr = orch.Run(context.Background(), attempt.ID)
	}()

	<-shifted
	require.NoError(t, orch.Cancel(attempt.ID))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cancelled attempt to finish")
	}
	require.Error(t, runErr)
	assert.Contains(t, runErr.Error(), "cancelled")

	got, err := models.GetAttemptByID(deps.db, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRolledBack, got.State)
	assert.Equal(t, models.OutcomeRolledBack, got.Outcome)

	// The old instances were never stopped; the new stack was torn down and
	// the backup restored.
	calls := deps.controller.callNames()
	assert.NotContains(t, calls, "stop_old")
	assert.Contains(t, calls, "stop_new")
	require.Len(t, deps.controller.restoreRefs, 1)
}

// ---------------------------------------------------------------------------
// Rollback failure
// ---------------------------------------------------------------------------

func TestDeploy_RestoreFails_FailedWithBackupRefPreserved(t *testing.T) {
	orch, deps := newTestOrchestrator(t, func(d *orchDeps) {
		d.prober.probeFn = func(context.Context, string, int) (probe.Result, error) {
			return probe.Unhealthy, nil
		}
		d.controller.restoreFn = func(context.Context, *environment.Environment, string) error {
			return fmt.Errorf("backup archive corrupt")
		}
	})

	attempt, err := orch.Deploy(context.Background(), directRelease())
	var rerr *RollbackError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, models.StateFailed, attempt.State)
	assert.Equal(t, models.OutcomeFailed, attempt.Outcome)
	// The cause chain names both the trigger and the restore failure, and the
	// reference survives for manual recovery.
	assert.Contains(t, attempt.FailureCause, "health check failed")
	assert.Contains(t, attempt.FailureCause, "manual intervention required")
	assert.NotEmpty(t, attempt.BackupRef)
	assert.Equal(t, attempt.BackupRef, rerr.BackupRef)

	// The restore was attempted exactly once.
	require.Len(t, deps.controller.restoreRefs, 1)
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestBegin_RejectsConcurrentAttempt(t *testing.T) {
	orch, _ := newTestOrchestrator(t)

	first, err := orch.Begin(directRelease())
	require.NoError(t, err)

	_, err = orch.Begin(directRelease())
	assert.ErrorIs(t, err, ErrConcurrentDeployment)

	// Finishing the first attempt releases the environment.
	_, err = orch.Run(context.Background(), first.ID)
	require.NoError(t, err)

	_, err = orch.Begin(directRelease())
	assert.NoError(t, err)
}

func TestBegin_TerminalAttemptDoesNotBlock(t *testing.T) {
	orch, deps := newTestOrchestrator(t)

	attempt, err := orch.Begin(directRelease())
	require.NoError(t, err)
	require.NoError(t, models.FinishAttempt(deps.db, attempt, models.StateFailed, models.OutcomeFailed, "enqueue failed"))

	_, err = orch.Begin(directRelease())
	assert.NoError(t, err)
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

func TestCancel_QueuedAttempt(t *testing.T) {
	orch, deps := newTestOrchestrator(t)

	attempt, err := orch.Begin(directRelease())
	require.NoError(t, err)

	require.NoError(t, orch.Cancel(attempt.ID))

	got, err := models.GetAttemptByID(orch.db, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, models.OutcomeFailed, got.Outcome)
	assert.Contains(t, got.FailureCause, "cancelled before start")

	// A worker picking the job up later finds the attempt terminal and does
	// nothing.
	ran, err := orch.Run(context.Background(), attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, ran.State)
	assert.Empty(t, deps.controller.callNames())
}

func TestCancel_RunningAttempt_RollsBack(t *testing.T) {
	probing := make(chan struct{})
	orch, deps := newTestOrchestrator(t, func(d *orchDeps) {
		d.prober.probeFn = func(ctx context.Context, _ string, n int) (probe.Result, error) {
			if n == 1 {
				close(probing)
			}
			<-ctx.Done()
			return probe.Unhealthy, ctx.Err()
		}
	})

	attempt, err := orch.Begin(directRelease())
	require.NoError(t, err)

	done := make(chan struct{})
	var runErr error
	go func() {
		defer close(done)
		_, runErr = orch.Run(context.Background(), attempt.ID)
	}()

	<-probing
	require.NoError(t, orch.Cancel(attempt.ID))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cancelled attempt to finish")
	}
	require.Error(t, runErr)
	assert.Contains(t, runErr.Error(), "cancelled")

	got, err := models.GetAttemptByID(deps.db, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRolledBack, got.State)
	assert.Equal(t, models.OutcomeRolledBack, got.Outcome)
	// The deploy had mutated the environment, so the restore still ran.
	require.Len(t, deps.controller.restoreRefs, 1)
}

func TestCancel_BeforeMutation_FailsWithoutRestore(t *testing.T) {
	snapshotting := make(chan struct{})
	orch, deps := newTestOrchestrator(t, func(d *orchDeps) {
		d.controller.snapshotFn = func(ctx context.Context, _ *environment.Environment) (string, error) {
			close(snapshotting)
			<-ctx.Done()
			return "", ctx.Err()
		}
	})

	attempt, err := orch.Begin(directRelease())
	require.NoError(t, err)

	done := make(chan struct{})
	var runErr error
	go func() {
		defer close(done)
		_, runErr = orch.Run(context.Background(), attempt.ID)
	}()

	<-snapshotting
	require.NoError(t, orch.Cancel(attempt.ID))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cancelled attempt to finish")
	}
	require.Error(t, runErr)

	// Nothing was mutated, so the attempt fails in place with no restore.
	got, err := models.GetAttemptByID(deps.db, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, models.OutcomeFailed, got.Outcome)
	assert.Empty(t, got.BackupRef)
	assert.Equal(t, []string{"snapshot"}, deps.controller.callNames())
}

// gateProvider parks the caller of its second GetConfig call until released.
// Begin consumes the first call, so the second is the one inside Run.
type gateProvider struct {
	inner   config.Provider
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (g *gateProvider) GetConfig() *config.Config {
	if g.calls.Add(1) == 2 {
		close(g.entered)
		<-g.release
	}
	return g.inner.GetConfig()
}

func TestCancel_BetweenBeginAndFirstTransition_NoResurrection(t *testing.T) {
	orch, deps := newTestOrchestrator(t)
	gate := &gateProvider{
		inner:   orch.confProv,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	orch.confProv = gate

	attempt, err := orch.Begin(directRelease())
	require.NoError(t, err)

	done := make(chan struct{})
	var ran *models.DeploymentAttempt
	go func() {
		defer close(done)
		ran, _ = orch.Run(context.Background(), attempt.ID)
	}()

	// Run is now parked past its terminal check but before it has registered
	// a cancel func or written any state, so Cancel takes the queued path.
	<-gate.entered
	require.NoError(t, orch.Cancel(attempt.ID))
	close(gate.release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for run to return")
	}

	// The released Run must not resurrect the row or touch the controller.
	got, err := models.GetAttemptByID(deps.db, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, models.OutcomeFailed, got.Outcome)
	assert.Contains(t, got.FailureCause, "cancelled before start")
	assert.Empty(t, deps.controller.callNames())
	require.NotNil(t, ran)
	assert.Equal(t, models.StateFailed, ran.State)
}

func TestSetAttemptState_TerminalRowNotResurrected(t *testing.T) {
	db := testDB(t)
	attempt, err := models.CreateAttempt(db, "staging", "app:1", "direct", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, models.FinishAttempt(db, attempt, models.StateFailed, models.OutcomeFailed, "cancelled before start"))

	// A stale copy that still believes the attempt is pending cannot move the
	// row out of its terminal state.
	stale := &models.DeploymentAttempt{Model: gorm.Model{ID: attempt.ID}, State: models.StatePending}
	assert.ErrorIs(t, models.SetAttemptState(db, stale, models.StateValidating), models.ErrTerminal)
	assert.ErrorIs(t, models.FinishAttempt(db, stale, models.StateSucceeded, models.OutcomeSuccess, ""), models.ErrTerminal)

	got, err := models.GetAttemptByID(db, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, models.OutcomeFailed, got.Outcome)
	assert.Contains(t, got.FailureCause, "cancelled before start")
}

func TestCancel_TerminalAttempt(t *testing.T) {
	orch, _ := newTestOrchestrator(t)

	attempt, err := orch.Deploy(context.Background(), directRelease())
	require.NoError(t, err)
	require.Equal(t, models.StateSucceeded, attempt.State)

	assert.ErrorIs(t, orch.Cancel(attempt.ID), ErrAlreadyTerminal)
}

func TestCancel_UnknownAttempt(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	assert.ErrorIs(t, orch.Cancel(4242), models.ErrNotFound)
}

// ---------------------------------------------------------------------------
// Outcome immutability
// ---------------------------------------------------------------------------

func TestFinishAttempt_TerminalIsImmutable(t *testing.T) {
	orch, deps := newTestOrchestrator(t)

	attempt, err := orch.Deploy(context.Background(), directRelease())
	require.NoError(t, err)
	require.Equal(t, models.OutcomeSuccess, attempt.Outcome)

	err = models.FinishAttempt(deps.db, attempt, models.StateFailed, models.OutcomeFailed, "late failure")
	require.Error(t, err)

	got, err := models.GetAttemptByID(deps.db, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, got.Outcome)
}
