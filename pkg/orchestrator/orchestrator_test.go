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

package orchestrator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"tinyflow.io/tinyflow/pkg/catalog"
	"tinyflow.io/tinyflow/pkg/errkind"
	"tinyflow.io/tinyflow/pkg/models"
	"tinyflow.io/tinyflow/pkg/utils/database"
)

type fixture struct {
	orch *Orchestrator
	cat  *catalog.Catalog
	dag  *models.Dag
}

// newFixture builds a catalog with one active diamond dag:
// extract -> {transform_a, transform_b} -> load.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewSQLiteDatabase(filepath.Join(t.TempDir(), "orch.db"))
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db.DB()))
	cat := catalog.New(db.DB())
	ctx := context.Background()

	tt := &models.TaskType{
		TenantID: 1, Code: "shell", Executor: "log", Enabled: true,
		ParamSchema: datatypes.JSON(`{"type":"object","required":["cmd"],"properties":{"cmd":{"type":"string"}}}`),
	}
	require.NoError(t, cat.CreateTaskType(ctx, tt))
	for _, code := range []string{"extract", "transform", "load"} {
		task := &models.Task{
			TenantID: 1, TypeID: tt.ID, Code: code, Enabled: true,
			Params:            datatypes.JSON(`{"cmd":"run.sh"}`),
			ConcurrencyPolicy: models.PolicyParallel,
		}
		require.NoError(t, cat.CreateTask(ctx, task))
	}
	dag := &models.Dag{TenantID: 1, Code: "etl", Enabled: true}
	require.NoError(t, cat.CreateDag(ctx, dag))
	version, err := cat.CreateDraftVersion(ctx, 1, dag.ID, catalog.VersionSpec{
		Nodes: []catalog.NodeSpec{
			{NodeCode: "extract", TaskCode: "extract"},
			{NodeCode: "transform_a", TaskCode: "transform"},
			{NodeCode: "transform_b", TaskCode: "transform"},
			{NodeCode: "load", TaskCode: "load"},
		},
		Edges: []catalog.EdgeSpec{
			{From: "extract", To: "transform_a"},
			{From: "extract", To: "transform_b"},
			{From: "transform_a", To: "load"},
			{From: "transform_b", To: "load"},
		},
	}, "tester")
	require.NoError(t, err)
	require.NoError(t, cat.ActivateVersion(ctx, 1, version.ID, "tester"))

	return &fixture{orch: New(db.DB(), cat), cat: cat, dag: dag}
}

func (f *fixture) trigger(t *testing.T) *models.DagRun {
	t.Helper()
	run, err := f.orch.TriggerDag(context.Background(), TriggerOptions{
		TenantID: 1, DagID: f.dag.ID, TriggeredBy: "tester",
	})
	require.NoError(t, err)
	return run
}

// markSuccess settles a node's latest attempt the way the worker pool would.
func (f *fixture) markSuccess(t *testing.T, runID uint, nodeCode string) {
	t.Helper()
	err := f.orch.db.Model(&models.TaskInstance{}).
		Where("dag_run_id = ? AND node_code = ?", runID, nodeCode).
		Update("status", models.InstanceSuccess).Error
	require.NoError(t, err)
	run, err := f.orch.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.NoError(t, f.orch.ActivateDownstream(context.Background(), run, nodeCode))
}

func (f *fixture) markFailed(t *testing.T, runID uint, nodeCode string) {
	t.Helper()
	err := f.orch.db.Model(&models.TaskInstance{}).
		Where("dag_run_id = ? AND node_code = ?", runID, nodeCode).
		Update("status", models.InstanceFailed).Error
	require.NoError(t, err)
}

// instance returns the latest attempt of a node.
func (f *fixture) instance(t *testing.T, runID uint, nodeCode string) *models.TaskInstance {
	t.Helper()
	inst := &models.TaskInstance{}
	err := f.orch.db.
		Where("dag_run_id = ? AND node_code = ?", runID, nodeCode).
		Order("attempt_no desc").First(inst).Error
	require.NoError(t, err)
	return inst
}

func TestTriggerDagMaterializesEveryNode(t *testing.T) {
	f := newFixture(t)
	run := f.trigger(t)

	assert.Equal(t, models.RunRunning, run.Status)
	assert.NotNil(t, run.StartTime)
	assert.NotEmpty(t, run.RunNo)

	instances, err := f.orch.ListInstances(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, instances, 4)
	for _, inst := range instances {
		assert.Equal(t, models.InstancePending, inst.Status)
		assert.Equal(t, 1, inst.AttemptNo)
		if inst.NodeCode == "extract" {
			assert.NotNil(t, inst.ScheduledAt)
		} else {
			assert.Nil(t, inst.ScheduledAt)
		}
	}
}

func TestTriggerDagValidations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// disabled dag
	f.dag.Enabled = false
	require.NoError(t, f.cat.UpdateDag(ctx, f.dag))
	_, err := f.orch.TriggerDag(ctx, TriggerOptions{TenantID: 1, DagID: f.dag.ID})
	require.Error(t, err)
	assert.True(t, errkind.IsNotAllowed(err))
	f.dag.Enabled = true
	require.NoError(t, f.cat.UpdateDag(ctx, f.dag))

	// schema violation in trigger overrides
	_, err = f.orch.TriggerDag(ctx, TriggerOptions{
		TenantID: 1, DagID: f.dag.ID,
		Overrides: map[string]interface{}{"cmd": 42},
	})
	require.Error(t, err)
	assert.True(t, errkind.IsValidation(err))

	// dag without an active version
	other := &models.Dag{TenantID: 1, Code: "empty", Enabled: true}
	require.NoError(t, f.cat.CreateDag(ctx, other))
	_, err = f.orch.TriggerDag(ctx, TriggerOptions{TenantID: 1, DagID: other.ID})
	require.Error(t, err)
	assert.True(t, errkind.IsNotFound(err))
}

func TestMaterializeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	run := f.trigger(t)

	// a second materialization loses the conditional update and is a no-op
	require.NoError(t, f.orch.Materialize(context.Background(), run.ID))
	instances, err := f.orch.ListInstances(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, instances, 4)
}

func TestActivateDownstreamWaitsForAllUpstreams(t *testing.T) {
	f := newFixture(t)
	run := f.trigger(t)
	ctx := context.Background()

	f.markSuccess(t, run.ID, "extract")
	assert.NotNil(t, f.instance(t, run.ID, "transform_a").ScheduledAt)
	assert.NotNil(t, f.instance(t, run.ID, "transform_b").ScheduledAt)
	assert.Nil(t, f.instance(t, run.ID, "load").ScheduledAt)

	// only one branch done: load stays unscheduled
	f.markSuccess(t, run.ID, "transform_a")
	assert.Nil(t, f.instance(t, run.ID, "load").ScheduledAt)

	f.markSuccess(t, run.ID, "transform_b")
	load := f.instance(t, run.ID, "load")
	assert.Equal(t, models.InstancePending, load.Status)
	assert.NotNil(t, load.ScheduledAt)

	// activation stamped the existing row rather than inserting another
	instances, err := f.orch.ListInstances(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, instances, 4)
}

func TestEvaluateRunTerminalStatuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("all success", func(t *testing.T) {
		run := f.trigger(t)
		for _, node := range []string{"extract", "transform_a", "transform_b", "load"} {
			f.markSuccess(t, run.ID, node)
		}
		after, err := f.orch.EvaluateRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunSuccess, after.Status)
		assert.NotNil(t, after.EndTime)
	})

	t.Run("root failed", func(t *testing.T) {
		run := f.trigger(t)
		f.markFailed(t, run.ID, "extract")
		after, err := f.orch.EvaluateRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunFailed, after.Status)

		// nodes the failure cut off are skipped, not left pending
		statuses, err := f.orch.LatestInstanceStatuses(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.InstanceSkipped, statuses["transform_a"])
		assert.Equal(t, models.InstanceSkipped, statuses["load"])
	})

	t.Run("partial failure", func(t *testing.T) {
		run := f.trigger(t)
		f.markSuccess(t, run.ID, "extract")
		f.markFailed(t, run.ID, "transform_a")
		f.markSuccess(t, run.ID, "transform_b")
		after, err := f.orch.EvaluateRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunPartialFailed, after.Status)
	})

	t.Run("live instance keeps run open", func(t *testing.T) {
		run := f.trigger(t)
		after, err := f.orch.EvaluateRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunRunning, after.Status)
	})
}

func TestStopRunSkipsWaitingInstances(t *testing.T) {
	f := newFixture(t)
	run := f.trigger(t)
	ctx := context.Background()

	require.NoError(t, f.orch.StopRun(ctx, 1, run.ID, "tester"))
	after, err := f.orch.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, after.Status)
	assert.NotNil(t, after.EndTime)

	statuses, err := f.orch.LatestInstanceStatuses(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceSkipped, statuses["extract"])

	// stopping twice is rejected
	err = f.orch.StopRun(ctx, 1, run.ID, "tester")
	require.Error(t, err)
	assert.True(t, errkind.IsNotAllowed(err))
}

func TestPauseAndResumeRun(t *testing.T) {
	f := newFixture(t)
	run := f.trigger(t)
	ctx := context.Background()

	require.NoError(t, f.orch.PauseRun(ctx, 1, run.ID, "tester"))
	statuses, err := f.orch.LatestInstanceStatuses(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstancePaused, statuses["extract"])

	// paused instances keep the run from finalizing
	after, err := f.orch.EvaluateRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, after.Status)

	require.NoError(t, f.orch.ResumeRun(ctx, 1, run.ID, "tester"))
	statuses, err = f.orch.LatestInstanceStatuses(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstancePending, statuses["extract"])
}

func TestRetryRunReopensFailedNodes(t *testing.T) {
	f := newFixture(t)
	run := f.trigger(t)
	ctx := context.Background()

	f.markFailed(t, run.ID, "extract")
	_, err := f.orch.EvaluateRun(ctx, run.ID)
	require.NoError(t, err)

	require.NoError(t, f.orch.RetryRun(ctx, 1, run.ID, "tester"))
	after, err := f.orch.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, after.Status)
	assert.Nil(t, after.EndTime)

	retried := f.instance(t, run.ID, "extract")
	assert.Equal(t, 2, retried.AttemptNo)
	assert.Equal(t, models.InstancePending, retried.Status)

	// a running run cannot be retried
	err = f.orch.RetryRun(ctx, 1, run.ID, "tester")
	require.Error(t, err)
	assert.True(t, errkind.IsNotAllowed(err))
}

func TestNodeOperations(t *testing.T) {
	f := newFixture(t)
	run := f.trigger(t)
	ctx := context.Background()

	t.Run("pause and resume", func(t *testing.T) {
		require.NoError(t, f.orch.PauseNode(ctx, 1, run.ID, "extract", "tester"))
		statuses, err := f.orch.LatestInstanceStatuses(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.InstancePaused, statuses["extract"])

		// pausing a paused node escalates it to skipped
		require.NoError(t, f.orch.PauseNode(ctx, 1, run.ID, "extract", "tester"))
		statuses, err = f.orch.LatestInstanceStatuses(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.InstanceSkipped, statuses["extract"])

		require.NoError(t, f.orch.ResumeNode(ctx, 1, run.ID, "extract", "tester"))
		statuses, err = f.orch.LatestInstanceStatuses(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.InstancePending, statuses["extract"])
	})

	t.Run("skip and resume", func(t *testing.T) {
		require.NoError(t, f.orch.SkipNode(ctx, 1, run.ID, "extract", "tester"))
		statuses, err := f.orch.LatestInstanceStatuses(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.InstanceSkipped, statuses["extract"])

		require.NoError(t, f.orch.ResumeNode(ctx, 1, run.ID, "extract", "tester"))
	})

	t.Run("retry requires a failed attempt", func(t *testing.T) {
		err := f.orch.RetryNode(ctx, 1, run.ID, "extract", "tester")
		require.Error(t, err)
		assert.True(t, errkind.IsNotAllowed(err))

		f.markFailed(t, run.ID, "extract")
		require.NoError(t, f.orch.RetryNode(ctx, 1, run.ID, "extract", "tester"))
		retried := f.instance(t, run.ID, "extract")
		assert.Equal(t, 2, retried.AttemptNo)
		assert.Equal(t, models.InstancePending, retried.Status)
	})

	t.Run("trigger node schedules it immediately", func(t *testing.T) {
		assert.Nil(t, f.instance(t, run.ID, "load").ScheduledAt)
		require.NoError(t, f.orch.TriggerNode(ctx, 1, run.ID, "load", "tester"))
		load := f.instance(t, run.ID, "load")
		assert.Equal(t, models.InstancePending, load.Status)
		assert.NotNil(t, load.ScheduledAt)

		// a paused attempt blocks the trigger
		require.NoError(t, f.orch.PauseNode(ctx, 1, run.ID, "load", "tester"))
		err := f.orch.TriggerNode(ctx, 1, run.ID, "load", "tester")
		require.Error(t, err)
		assert.True(t, errkind.IsConflict(err))
	})

	t.Run("unknown node", func(t *testing.T) {
		err := f.orch.TriggerNode(ctx, 1, run.ID, "ghost", "tester")
		require.Error(t, err)
		assert.True(t, errkind.IsNotFound(err))
	})
}

func TestListRunsFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run1 := f.trigger(t)
	f.trigger(t)
	require.NoError(t, f.orch.StopRun(ctx, 1, run1.ID, "tester"))

	page, err := f.orch.ListRuns(ctx, 1, RunListOptions{DagID: f.dag.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total)

	page, err = f.orch.ListRuns(ctx, 1, RunListOptions{Status: models.RunCancelled})
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.Total)
	assert.Equal(t, run1.ID, page.List[0].ID)
}

func TestInstanceLog(t *testing.T) {
	f := newFixture(t)
	run := f.trigger(t)
	ctx := context.Background()

	instances, err := f.orch.ListInstances(ctx, run.ID)
	require.NoError(t, err)
	inst := instances[0]

	_, err = f.orch.InstanceLog(ctx, inst.ID)
	require.Error(t, err)
	assert.True(t, errkind.IsNotFound(err))

	// failure surfaces message and stack trace
	require.NoError(t, f.orch.db.Create(&models.TaskHistory{
		TaskInstanceID: inst.ID, DagRunID: run.ID, NodeCode: inst.NodeCode,
		AttemptNo: 1, Status: models.InstanceFailed,
		ErrorMessage: "boom", StackTrace: "at extract",
	}).Error)
	content, err := f.orch.InstanceLog(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "boom\nat extract", content)

	// a later success surfaces the result payload
	require.NoError(t, f.orch.db.Create(&models.TaskHistory{
		TaskInstanceID: inst.ID, DagRunID: run.ID, NodeCode: inst.NodeCode,
		AttemptNo: 2, Status: models.InstanceSuccess,
		Result: datatypes.JSON(`{"rows":10}`),
	}).Error)
	content, err = f.orch.InstanceLog(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"rows":10}`, content)

	// an explicit log path wins over everything
	require.NoError(t, f.orch.db.Create(&models.TaskHistory{
		TaskInstanceID: inst.ID, DagRunID: run.ID, NodeCode: inst.NodeCode,
		AttemptNo: 3, Status: models.InstanceFailed,
		LogPath: "/var/log/tinyflow/extract.log", ErrorMessage: "boom",
	}).Error)
	content, err = f.orch.InstanceLog(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "/var/log/tinyflow/extract.log", content)
}
