// Copyright 2024 The tinyflow.io Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"tinyflow.io/tinyflow/pkg/catalog"
	"tinyflow.io/tinyflow/pkg/executor"
	"tinyflow.io/tinyflow/pkg/models"
	"tinyflow.io/tinyflow/pkg/orchestrator"
	"tinyflow.io/tinyflow/pkg/utils/database"
)

type fixture struct {
	db       *gorm.DB
	cat      *catalog.Catalog
	orch     *orchestrator.Orchestrator
	registry *executor.Registry
	opts     *Options
	pool     *Pool
	taskType *models.TaskType
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewSQLiteDatabase(filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db.DB()))
	cat := catalog.New(db.DB())
	orch := orchestrator.New(db.DB(), cat)
	registry := executor.NewRegistry()
	executor.RegisterBuiltins(registry)

	opts := NewDefaultOptions()
	opts.RetryBackoffSec = 0 // retries are due immediately in tests

	tt := &models.TaskType{TenantID: 1, Code: "builtin", Executor: "log", Enabled: true}
	require.NoError(t, cat.CreateTaskType(context.Background(), tt))

	return &fixture{
		db: db.DB(), cat: cat, orch: orch, registry: registry, opts: opts,
		pool:     NewPool(db.DB(), orch, registry, opts),
		taskType: tt,
	}
}

// newDagFrom creates one task shared by every node of the given structure
// and activates it.
func (f *fixture) newDagFrom(t *testing.T, dagCode string, taskTemplate models.Task, nodes []catalog.NodeSpec, edges []catalog.EdgeSpec) *models.Dag {
	t.Helper()
	ctx := context.Background()
	task := taskTemplate
	task.TenantID, task.TypeID, task.Enabled = 1, f.taskType.ID, true
	task.Code = dagCode + "-work"
	if task.ConcurrencyPolicy == "" {
		task.ConcurrencyPolicy = models.PolicyParallel
	}
	require.NoError(t, f.cat.CreateTask(ctx, &task))
	for i := range nodes {
		nodes[i].TaskCode = task.Code
	}
	dag := &models.Dag{TenantID: 1, Code: dagCode, Enabled: true}
	require.NoError(t, f.cat.CreateDag(ctx, dag))
	version, err := f.cat.CreateDraftVersion(ctx, 1, dag.ID, catalog.VersionSpec{Nodes: nodes, Edges: edges}, "tester")
	require.NoError(t, err)
	require.NoError(t, f.cat.ActivateVersion(ctx, 1, version.ID, "tester"))
	return dag
}

// newDag creates a task per node, one dag and an activated chain version
// a -> b -> ... over the given codes.
func (f *fixture) newDag(t *testing.T, dagCode string, taskTemplate models.Task, nodeCodes ...string) *models.Dag {
	t.Helper()
	ctx := context.Background()
	nodes := make([]catalog.NodeSpec, 0, len(nodeCodes))
	edges := []catalog.EdgeSpec{}
	for i, code := range nodeCodes {
		task := taskTemplate
		task.TenantID, task.TypeID, task.Enabled = 1, f.taskType.ID, true
		task.Code = dagCode + "-" + code
		if task.ConcurrencyPolicy == "" {
			task.ConcurrencyPolicy = models.PolicyParallel
		}
		require.NoError(t, f.cat.CreateTask(ctx, &task))
		nodes = append(nodes, catalog.NodeSpec{NodeCode: code, TaskCode: task.Code})
		if i > 0 {
			edges = append(edges, catalog.EdgeSpec{From: nodeCodes[i-1], To: code})
		}
	}
	dag := &models.Dag{TenantID: 1, Code: dagCode, Enabled: true}
	require.NoError(t, f.cat.CreateDag(ctx, dag))
	version, err := f.cat.CreateDraftVersion(ctx, 1, dag.ID, catalog.VersionSpec{Nodes: nodes, Edges: edges}, "tester")
	require.NoError(t, err)
	require.NoError(t, f.cat.ActivateVersion(ctx, 1, version.ID, "tester"))
	return dag
}

func (f *fixture) trigger(t *testing.T, dag *models.Dag) *models.DagRun {
	t.Helper()
	run, err := f.orch.TriggerDag(context.Background(), orchestrator.TriggerOptions{
		TenantID: 1, DagID: dag.ID, TriggeredBy: "tester",
	})
	require.NoError(t, err)
	return run
}

// pump polls until the run reaches a terminal status or the deadline hits.
func (f *fixture) pump(t *testing.T, runID uint, deadline time.Duration) *models.DagRun {
	t.Helper()
	ctx := context.Background()
	var run *models.DagRun
	require.Eventually(t, func() bool {
		f.pool.PollOnce(ctx)
		var err error
		run, err = f.orch.EvaluateRun(ctx, runID)
		require.NoError(t, err)
		return run.Status.Terminal()
	}, deadline, 20*time.Millisecond)
	return run
}

func TestChainRunsToSuccess(t *testing.T) {
	f := newFixture(t)
	dag := f.newDag(t, "chain", models.Task{Params: datatypes.JSON(`{"message":"hi"}`)}, "a", "b")
	run := f.trigger(t, dag)

	final := f.pump(t, run.ID, 5*time.Second)
	assert.Equal(t, models.RunSuccess, final.Status)

	instances, err := f.orch.ListInstances(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, instances, 2)
	for _, inst := range instances {
		assert.Equal(t, models.InstanceSuccess, inst.Status)
		assert.Empty(t, inst.LockedBy)
		assert.NotEmpty(t, inst.Result)
	}

	var histories []models.TaskHistory
	require.NoError(t, f.db.Where("dag_run_id = ?", run.ID).Find(&histories).Error)
	assert.Len(t, histories, 2)
	for _, h := range histories {
		assert.Equal(t, models.InstanceSuccess, h.Status)
		assert.Equal(t, f.pool.WorkerID(), h.WorkerID)
		assert.NotNil(t, h.StartTime)
		assert.NotNil(t, h.EndTime)
	}
}

func TestRetryBoundAndHistory(t *testing.T) {
	f := newFixture(t)
	dag := f.newDag(t, "flaky", models.Task{MaxRetry: 2}, "a")
	// bind the single node's task to the always-failing executor
	require.NoError(t, f.db.Model(&models.TaskType{}).
		Where("id = ?", f.taskType.ID).Update("executor", "fail").Error)
	run := f.trigger(t, dag)

	final := f.pump(t, run.ID, 10*time.Second)
	assert.Equal(t, models.RunFailed, final.Status)

	// both attempts ran on the same row, ending terminal at attempt maxRetry
	instances, err := f.orch.ListInstances(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, 2, instances[0].AttemptNo)
	assert.Equal(t, models.InstanceFailed, instances[0].Status)
	assert.NotNil(t, instances[0].NextRetryAt)
	assert.Empty(t, instances[0].LockedBy)

	var histories []models.TaskHistory
	require.NoError(t, f.db.Where("dag_run_id = ?", run.ID).Order("attempt_no").Find(&histories).Error)
	require.Len(t, histories, 2)
	for i, h := range histories {
		assert.Equal(t, i+1, h.AttemptNo)
		assert.Equal(t, models.InstanceFailed, h.Status)
		assert.Contains(t, h.ErrorMessage, "fail executor invoked")
		assert.NotEmpty(t, h.StackTrace)
	}
}

func TestReservationSingleWinner(t *testing.T) {
	f := newFixture(t)
	dag := f.newDag(t, "race", models.Task{}, "a")
	run := f.trigger(t, dag)

	instances, err := f.orch.ListInstances(context.Background(), run.ID)
	require.NoError(t, err)
	id := instances[0].ID

	second := NewPool(f.db, f.orch, f.registry, f.opts)
	assert.True(t, f.pool.reserve(context.Background(), id))
	assert.False(t, second.reserve(context.Background(), id))

	inst := &models.TaskInstance{}
	require.NoError(t, f.db.First(inst, id).Error)
	assert.Equal(t, models.InstanceReserved, inst.Status)
	assert.Equal(t, f.pool.WorkerID(), inst.LockedBy)
	assert.NotNil(t, inst.LockTime)
}

func TestExecutionTimeout(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Model(&models.TaskType{}).
		Where("id = ?", f.taskType.ID).Update("executor", "delay").Error)
	dag := f.newDag(t, "slow", models.Task{
		TimeoutSec: 1,
		Params:     datatypes.JSON(`{"seconds":30}`),
	}, "a")
	run := f.trigger(t, dag)

	instances, err := f.orch.ListInstances(context.Background(), run.ID)
	require.NoError(t, err)
	id := instances[0].ID
	require.True(t, f.pool.reserve(context.Background(), id))

	start := time.Now()
	f.pool.execute(context.Background(), id)
	assert.Less(t, time.Since(start), 5*time.Second)

	var history models.TaskHistory
	require.NoError(t, f.db.Where("task_instance_id = ?", id).First(&history).Error)
	assert.Equal(t, models.InstanceFailed, history.Status)
	assert.Contains(t, history.ErrorMessage, "execution timed out after 1s")
}

func TestSingletonPolicyDefers(t *testing.T) {
	f := newFixture(t)
	dag := f.newDag(t, "single", models.Task{ConcurrencyPolicy: models.PolicySingleton}, "a")
	run1 := f.trigger(t, dag)
	run2 := f.trigger(t, dag)

	ctx := context.Background()
	i1, err := f.orch.ListInstances(ctx, run1.ID)
	require.NoError(t, err)
	i2, err := f.orch.ListInstances(ctx, run2.ID)
	require.NoError(t, err)

	// hold one attempt in RESERVED: the sibling run's attempt must wait
	require.True(t, f.pool.reserve(ctx, i1[0].ID))
	ok, err := f.pool.canReserve(ctx, &i2[0])
	require.NoError(t, err)
	assert.False(t, ok)

	f.pool.release(ctx, i1[0].ID)
	ok, err = f.pool.canReserve(ctx, &i2[0])
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeyedPolicyOnePerParallelGroup(t *testing.T) {
	f := newFixture(t)
	dag := f.newDagFrom(t, "keyed", models.Task{ConcurrencyPolicy: models.PolicyKeyed},
		[]catalog.NodeSpec{
			{NodeCode: "g1a", ParallelGroup: "g1"},
			{NodeCode: "g1b", ParallelGroup: "g1"},
			{NodeCode: "solo"},
		}, nil)
	run := f.trigger(t, dag)
	ctx := context.Background()

	instances, err := f.orch.ListInstances(ctx, run.ID)
	require.NoError(t, err)
	byNode := map[string]models.TaskInstance{}
	for _, inst := range instances {
		byNode[inst.NodeCode] = inst
	}

	g1a := byNode["g1a"]
	require.True(t, f.pool.reserve(ctx, g1a.ID))

	g1b := byNode["g1b"]
	ok, err := f.pool.canReserve(ctx, &g1b)
	require.NoError(t, err)
	assert.False(t, ok, "same group must wait")

	solo := byNode["solo"]
	ok, err = f.pool.canReserve(ctx, &solo)
	require.NoError(t, err)
	assert.True(t, ok, "node without a group contends only with itself")

	f.pool.release(ctx, g1a.ID)
	ok, err = f.pool.canReserve(ctx, &g1b)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSequentialPolicyScopedToNode(t *testing.T) {
	f := newFixture(t)
	dag := f.newDagFrom(t, "seq", models.Task{ConcurrencyPolicy: models.PolicySequential},
		[]catalog.NodeSpec{{NodeCode: "a"}, {NodeCode: "b"}}, nil)
	run := f.trigger(t, dag)
	ctx := context.Background()

	instances, err := f.orch.ListInstances(ctx, run.ID)
	require.NoError(t, err)
	byNode := map[string]models.TaskInstance{}
	for _, inst := range instances {
		byNode[inst.NodeCode] = inst
	}

	// a live attempt of one node does not hold back a sibling node of the
	// same task
	a := byNode["a"]
	require.True(t, f.pool.reserve(ctx, a.ID))
	b := byNode["b"]
	ok, err := f.pool.canReserve(ctx, &b)
	require.NoError(t, err)
	assert.True(t, ok)

	// a lingering attempt of the same node does
	now := time.Now()
	clone := models.TaskInstance{
		DagRunID: run.ID, DagID: a.DagID, DagVersionID: a.DagVersionID,
		NodeCode: "a", TaskID: a.TaskID, TenantID: 1,
		AttemptNo: 2, Status: models.InstancePending, ScheduledAt: &now,
	}
	require.NoError(t, f.db.Create(&clone).Error)
	ok, err = f.pool.canReserve(ctx, &clone)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSkipsAttemptsOfStoppedRun(t *testing.T) {
	f := newFixture(t)
	dag := f.newDag(t, "stopme", models.Task{}, "a")
	run := f.trigger(t, dag)
	ctx := context.Background()

	instances, err := f.orch.ListInstances(ctx, run.ID)
	require.NoError(t, err)
	id := instances[0].ID
	require.True(t, f.pool.reserve(ctx, id))

	// run is cancelled between reservation and execution: RESERVED attempts
	// are skipped by StopRun itself, so simulate one that was missed
	require.NoError(t, f.orch.StopRun(ctx, 1, run.ID, "tester"))
	require.NoError(t, f.db.Model(&models.TaskInstance{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status": models.InstanceReserved, "locked_by": f.pool.WorkerID(), "lock_time": time.Now(),
		}).Error)

	f.pool.execute(ctx, id)
	inst := &models.TaskInstance{}
	require.NoError(t, f.db.First(inst, id).Error)
	assert.Equal(t, models.InstanceSkipped, inst.Status)
}

func TestMonitorReclaimsStaleReservations(t *testing.T) {
	f := newFixture(t)
	dag := f.newDag(t, "stale", models.Task{}, "a")
	run := f.trigger(t, dag)
	ctx := context.Background()

	instances, err := f.orch.ListInstances(ctx, run.ID)
	require.NoError(t, err)
	id := instances[0].ID
	old := time.Now().Add(-time.Hour)
	require.NoError(t, f.db.Model(&models.TaskInstance{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status": models.InstanceReserved, "locked_by": "worker-dead", "lock_time": old,
		}).Error)

	monitor := NewMonitor(f.db, f.orch, f.opts)
	monitor.SweepOnce(ctx)

	inst := &models.TaskInstance{}
	require.NoError(t, f.db.First(inst, id).Error)
	assert.Equal(t, models.InstancePending, inst.Status)
	assert.Empty(t, inst.LockedBy)
}

func TestMonitorFinalizesRuns(t *testing.T) {
	f := newFixture(t)
	dag := f.newDag(t, "mon", models.Task{}, "a")
	run := f.trigger(t, dag)
	ctx := context.Background()

	require.NoError(t, f.db.Model(&models.TaskInstance{}).
		Where("dag_run_id = ?", run.ID).Update("status", models.InstanceSuccess).Error)

	monitor := NewMonitor(f.db, f.orch, f.opts)
	monitor.SweepOnce(ctx)

	after, err := f.orch.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, after.Status)
}

func TestMonitorActivatesMissedDownstream(t *testing.T) {
	f := newFixture(t)
	dag := f.newDag(t, "missed", models.Task{}, "a", "b")
	run := f.trigger(t, dag)
	ctx := context.Background()

	// upstream succeeded but push activation never happened
	require.NoError(t, f.db.Model(&models.TaskInstance{}).
		Where("dag_run_id = ? AND node_code = ?", run.ID, "a").
		Update("status", models.InstanceSuccess).Error)

	monitor := NewMonitor(f.db, f.orch, f.opts)
	monitor.SweepOnce(ctx)

	b := &models.TaskInstance{}
	require.NoError(t, f.db.Where("dag_run_id = ? AND node_code = ?", run.ID, "b").First(b).Error)
	assert.Equal(t, models.InstancePending, b.Status)
	assert.NotNil(t, b.ScheduledAt)
}

func TestPollReservesAcrossPages(t *testing.T) {
	f := newFixture(t)
	f.opts.PollPageSize = 1
	dag := f.newDagFrom(t, "pages", models.Task{},
		[]catalog.NodeSpec{{NodeCode: "r1"}, {NodeCode: "r2"}, {NodeCode: "r3"}}, nil)
	run := f.trigger(t, dag)
	ctx := context.Background()

	// every due node is reserved in one cycle even though each won
	// reservation shrinks the page the next query sees
	f.pool.PollOnce(ctx)
	var pending int64
	require.NoError(t, f.db.Model(&models.TaskInstance{}).
		Where("dag_run_id = ? AND status = ?", run.ID, models.InstancePending).
		Count(&pending).Error)
	assert.EqualValues(t, 0, pending)
}

func TestPollDefersNodeAheadOfItsUpstreams(t *testing.T) {
	f := newFixture(t)
	dag := f.newDag(t, "gate", models.Task{Params: datatypes.JSON(`{"message":"hi"}`)}, "a", "b")
	run := f.trigger(t, dag)
	ctx := context.Background()

	// b is scheduled manually while a has not run yet
	require.NoError(t, f.orch.TriggerNode(ctx, 1, run.ID, "b", "tester"))
	f.pool.PollOnce(ctx)

	b := &models.TaskInstance{}
	require.NoError(t, f.db.Where("dag_run_id = ? AND node_code = ?", run.ID, "b").First(b).Error)
	assert.Equal(t, models.InstancePending, b.Status)

	// once a finishes, b runs and the chain completes in order
	final := f.pump(t, run.ID, 5*time.Second)
	assert.Equal(t, models.RunSuccess, final.Status)
}

func TestBackoff(t *testing.T) {
	fixed := &Options{RetryBackoffSec: 60}
	assert.Equal(t, time.Minute, fixed.Backoff(1))
	assert.Equal(t, time.Minute, fixed.Backoff(3))

	exp := &Options{RetryBackoffSec: 60, RetryBackoffExponential: true}
	assert.Equal(t, time.Minute, exp.Backoff(1))
	assert.Equal(t, 2*time.Minute, exp.Backoff(2))
	assert.Equal(t, 4*time.Minute, exp.Backoff(3))
}
