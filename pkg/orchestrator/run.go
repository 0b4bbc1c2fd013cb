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
	"time"

	"github.com/google/uuid"

	"tinyflow.io/tinyflow/pkg/errkind"
	"tinyflow.io/tinyflow/pkg/graph"
	"tinyflow.io/tinyflow/pkg/log"
	"tinyflow.io/tinyflow/pkg/models"
	"tinyflow.io/tinyflow/pkg/params"
	"tinyflow.io/tinyflow/pkg/utils/database"
)

// TriggerOptions describes one dag trigger request.
type TriggerOptions struct {
	TenantID    uint
	DagID       uint
	TriggerType models.TriggerType
	TriggeredBy string
	// Overrides are applied over task defaults and node overrides for every
	// node of this run.
	Overrides map[string]interface{}
}

// TriggerDag creates a SCHEDULED run of the dag's active version and hands it
// to the trigger backend for immediate firing; without a backend it
// materializes inline. The merged parameters of every node are validated
// against the task type schema before anything is written.
func (o *Orchestrator) TriggerDag(ctx context.Context, opts TriggerOptions) (*models.DagRun, error) {
	run, err := o.createRun(ctx, opts)
	if err != nil {
		return nil, err
	}
	if o.backend != nil {
		if err := o.backend.ScheduleOnce(run.DagID, run.ID, run.DagVersionID, time.Now()); err != nil {
			now := time.Now()
			o.db.WithContext(ctx).Model(&models.DagRun{}).Where("id = ?", run.ID).
				Updates(map[string]interface{}{"status": models.RunFailed, "end_time": now})
			return nil, errkind.System(err, "schedule run firing")
		}
	} else if err := o.Materialize(ctx, run.ID); err != nil {
		return nil, err
	}
	return o.GetRun(ctx, run.ID)
}

// createRun validates the trigger request and inserts the SCHEDULED run row.
func (o *Orchestrator) createRun(ctx context.Context, opts TriggerOptions) (*models.DagRun, error) {
	dag, err := o.catalog.GetDag(ctx, opts.TenantID, opts.DagID)
	if err != nil {
		return nil, err
	}
	if !dag.Enabled {
		return nil, errkind.NotAllowed("dag %q is disabled", dag.Code)
	}
	version, err := o.catalog.ActiveVersion(ctx, dag.ID)
	if err != nil {
		return nil, err
	}
	nodes, _, err := o.catalog.VersionStructure(ctx, version.ID)
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		if _, err := o.mergedNodeParams(ctx, opts.TenantID, &nodes[i], opts.Overrides, true); err != nil {
			return nil, err
		}
	}

	overrides, err := params.Encode(opts.Overrides)
	if err != nil {
		return nil, err
	}
	triggerType := opts.TriggerType
	if triggerType == "" {
		triggerType = models.TriggerManual
	}
	run := &models.DagRun{
		DagID:        dag.ID,
		DagVersionID: version.ID,
		RunNo:        uuid.NewString(),
		TenantID:     opts.TenantID,
		TriggerType:  triggerType,
		TriggeredBy:  opts.TriggeredBy,
		Status:       models.RunScheduled,
		Params:       overrides,
	}
	if err := o.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, errkind.System(err, "create dag run")
	}
	o.audit.Record(opts.TenantID, "DagRun", run.RunNo, "trigger", opts.TriggeredBy,
		map[string]interface{}{"dag": dag.Code, "versionNo": version.VersionNo, "type": triggerType})
	return run, nil
}

// Materialize moves a SCHEDULED run to RUNNING and creates one PENDING
// instance per node: start nodes scheduled immediately, the rest left
// unscheduled until their upstreams succeed. The transition is a conditional
// update, so concurrent calls materialize exactly once; losers return nil.
func (o *Orchestrator) Materialize(ctx context.Context, runID uint) error {
	now := time.Now()
	res := o.db.WithContext(ctx).Model(&models.DagRun{}).
		Where("id = ? AND status = ?", runID, models.RunScheduled).
		Updates(map[string]interface{}{"status": models.RunRunning, "start_time": now})
	if res.Error != nil {
		return errkind.System(res.Error, "claim run for materialization")
	}
	if res.RowsAffected == 0 {
		return nil
	}

	run, err := o.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	nodes, edges, err := o.catalog.VersionStructure(ctx, run.DagVersionID)
	if err != nil {
		return err
	}
	codes := make([]string, 0, len(nodes))
	for i := range nodes {
		codes = append(codes, nodes[i].NodeCode)
	}
	isRoot := map[string]bool{}
	for _, root := range graph.Roots(codes, graph.FromModels(edges)) {
		isRoot[root] = true
	}
	for i := range nodes {
		var at *time.Time
		if isRoot[nodes[i].NodeCode] {
			at = &now
		}
		if err := o.createInstance(ctx, run, &nodes[i], 1, at); err != nil {
			return err
		}
	}
	log.Infof("materialized run %s with %d node(s), %d ready", run.RunNo, len(nodes), len(isRoot))
	return nil
}

// ActivateDownstream stamps a schedule time on every direct downstream of
// node whose upstreams have all succeeded. Called by the worker pool after a
// successful attempt; the stamp is a conditional update, so concurrent
// activation of the same node is harmless.
func (o *Orchestrator) ActivateDownstream(ctx context.Context, run *models.DagRun, nodeCode string) error {
	if run.Status != models.RunRunning {
		return nil
	}
	_, edges, err := o.catalog.VersionStructure(ctx, run.DagVersionID)
	if err != nil {
		return err
	}
	statuses, err := o.LatestInstanceStatuses(ctx, run.ID)
	if err != nil {
		return err
	}
	gedges := graph.FromModels(edges)
	now := time.Now()
	for _, down := range graph.Downstreams(nodeCode, gedges) {
		if !graph.Satisfied(down, gedges, statuses) {
			continue
		}
		if err := o.activateInstance(ctx, run.ID, down, now); err != nil {
			return err
		}
	}
	return nil
}

// ActivateReady is the pull-side backstop for push activation: it stamps a
// schedule time on any still-unscheduled node whose upstreams are all
// satisfied. Returns the number of nodes activated.
func (o *Orchestrator) ActivateReady(ctx context.Context, run *models.DagRun) (int, error) {
	nodes, edges, err := o.catalog.VersionStructure(ctx, run.DagVersionID)
	if err != nil {
		return 0, err
	}
	latest, err := o.latestInstances(ctx, run.ID)
	if err != nil {
		return 0, err
	}
	byCode := map[string]*models.TaskInstance{}
	statuses := map[string]models.InstanceStatus{}
	for i := range latest {
		byCode[latest[i].NodeCode] = &latest[i]
		statuses[latest[i].NodeCode] = latest[i].Status
	}
	gedges := graph.FromModels(edges)
	now := time.Now()
	activated := 0
	for i := range nodes {
		node := &nodes[i]
		ready := len(graph.Upstreams(node.NodeCode, gedges)) == 0 ||
			graph.Satisfied(node.NodeCode, gedges, statuses)
		inst, exists := byCode[node.NodeCode]
		if !exists {
			// materialization was interrupted before all rows landed
			var at *time.Time
			if ready {
				at = &now
			}
			if err := o.createInstance(ctx, run, node, 1, at); err != nil {
				return activated, err
			}
			if ready {
				activated++
			}
			continue
		}
		if !ready || inst.Status != models.InstancePending || inst.ScheduledAt != nil {
			continue
		}
		if err := o.activateInstance(ctx, run.ID, node.NodeCode, now); err != nil {
			return activated, err
		}
		activated++
	}
	return activated, nil
}

// EvaluateRun recomputes a RUNNING run's terminal status. Unscheduled nodes
// whose upstreams can no longer all succeed are skipped first; when nothing
// is left live the run is finalized: SUCCESS when every node succeeded,
// FAILED when none did, PARTIAL_FAILED otherwise.
func (o *Orchestrator) EvaluateRun(ctx context.Context, runID uint) (*models.DagRun, error) {
	run, err := o.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != models.RunRunning {
		return run, nil
	}
	nodes, edges, err := o.catalog.VersionStructure(ctx, run.DagVersionID)
	if err != nil {
		return nil, err
	}
	latest, err := o.latestInstances(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	statuses := map[string]models.InstanceStatus{}
	scheduled := map[string]bool{}
	for i := range latest {
		statuses[latest[i].NodeCode] = latest[i].Status
		scheduled[latest[i].NodeCode] = latest[i].ScheduledAt != nil
	}
	for code, st := range statuses {
		switch st {
		case models.InstanceReserved, models.InstanceRunning, models.InstancePaused:
			return run, nil
		case models.InstancePending:
			if scheduled[code] {
				return run, nil
			}
		}
	}
	// Only unscheduled PENDING nodes and terminal ones remain. An unscheduled
	// node can still run iff every transitive upstream can still succeed.
	gedges := graph.FromModels(edges)
	canSucceed := map[string]bool{}
	var viable func(code string) bool
	viable = func(code string) bool {
		if v, ok := canSucceed[code]; ok {
			return v
		}
		canSucceed[code] = false
		switch statuses[code] {
		case models.InstanceSuccess:
			canSucceed[code] = true
		case models.InstancePending:
			ok := true
			for _, up := range graph.Upstreams(code, gedges) {
				if !viable(up) {
					ok = false
					break
				}
			}
			canSucceed[code] = ok
		}
		return canSucceed[code]
	}
	success := 0
	for i := range nodes {
		code := nodes[i].NodeCode
		if statuses[code] == models.InstanceSuccess {
			success++
			continue
		}
		if statuses[code] != models.InstancePending {
			continue
		}
		if viable(code) {
			// still activatable, not terminal yet
			return run, nil
		}
		err := o.db.WithContext(ctx).Model(&models.TaskInstance{}).
			Where("dag_run_id = ? AND node_code = ? AND status = ? AND scheduled_at IS NULL",
				run.ID, code, models.InstancePending).
			Update("status", models.InstanceSkipped).Error
		if err != nil {
			return nil, errkind.System(err, "skip unreachable instance")
		}
	}
	final := models.RunPartialFailed
	switch success {
	case len(nodes):
		final = models.RunSuccess
	case 0:
		final = models.RunFailed
	}
	now := time.Now()
	err = o.db.WithContext(ctx).Model(&models.DagRun{}).
		Where("id = ? AND status = ?", runID, models.RunRunning).
		Updates(map[string]interface{}{"status": final, "end_time": now}).Error
	if err != nil {
		return nil, errkind.System(err, "finalize run")
	}
	o.audit.Record(run.TenantID, "DagRun", run.RunNo, "finalize", "system",
		map[string]interface{}{"status": final})
	log.Infof("run %s finalized as %s", run.RunNo, final)
	return o.GetRun(ctx, runID)
}

// StopRun cancels a SCHEDULED or RUNNING run. Waiting instances are skipped;
// attempts already executing are left to finish, but their results no longer
// activate downstream nodes.
func (o *Orchestrator) StopRun(ctx context.Context, tenantID, runID uint, operator string) error {
	run, err := o.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.TenantID != tenantID {
		return errkind.NotFound("dag run %d not found", runID)
	}
	if run.Status.Terminal() {
		return errkind.NotAllowed("run %s is already %s", run.RunNo, run.Status)
	}
	now := time.Now()
	res := o.db.WithContext(ctx).Model(&models.DagRun{}).
		Where("id = ? AND status IN ?", runID, []models.RunStatus{models.RunScheduled, models.RunRunning}).
		Updates(map[string]interface{}{"status": models.RunCancelled, "end_time": now})
	if res.Error != nil {
		return errkind.System(res.Error, "cancel run")
	}
	if res.RowsAffected == 0 {
		return errkind.NotAllowed("run %s finished concurrently", run.RunNo)
	}
	err = o.db.WithContext(ctx).Model(&models.TaskInstance{}).
		Where("dag_run_id = ? AND status IN ?", runID,
			[]models.InstanceStatus{models.InstancePending, models.InstanceReserved, models.InstancePaused}).
		Updates(map[string]interface{}{"status": models.InstanceSkipped, "locked_by": "", "lock_time": nil}).Error
	if err != nil {
		return errkind.System(err, "skip waiting instances")
	}
	o.audit.Record(tenantID, "DagRun", run.RunNo, "stop", operator, nil)
	return nil
}

// PauseRun suspends all waiting instances of a RUNNING run. The run itself
// stays RUNNING; paused instances keep the monitor from finalizing it.
func (o *Orchestrator) PauseRun(ctx context.Context, tenantID, runID uint, operator string) error {
	run, err := o.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.TenantID != tenantID {
		return errkind.NotFound("dag run %d not found", runID)
	}
	if run.Status != models.RunRunning {
		return errkind.NotAllowed("run %s is %s, only running runs can be paused", run.RunNo, run.Status)
	}
	err = o.db.WithContext(ctx).Model(&models.TaskInstance{}).
		Where("dag_run_id = ? AND status IN ?", runID,
			[]models.InstanceStatus{models.InstancePending, models.InstanceReserved}).
		Updates(map[string]interface{}{"status": models.InstancePaused, "locked_by": "", "lock_time": nil}).Error
	if err != nil {
		return errkind.System(err, "pause instances")
	}
	o.audit.Record(tenantID, "DagRun", run.RunNo, "pause", operator, nil)
	return nil
}

// ResumeRun returns paused instances of a run to PENDING, scheduled now.
func (o *Orchestrator) ResumeRun(ctx context.Context, tenantID, runID uint, operator string) error {
	run, err := o.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.TenantID != tenantID {
		return errkind.NotFound("dag run %d not found", runID)
	}
	if run.Status != models.RunRunning {
		return errkind.NotAllowed("run %s is %s, only running runs can be resumed", run.RunNo, run.Status)
	}
	now := time.Now()
	err = o.db.WithContext(ctx).Model(&models.TaskInstance{}).
		Where("dag_run_id = ? AND status = ?", runID, models.InstancePaused).
		Updates(map[string]interface{}{"status": models.InstancePending, "scheduled_at": now}).Error
	if err != nil {
		return errkind.System(err, "resume instances")
	}
	o.audit.Record(tenantID, "DagRun", run.RunNo, "resume", operator, nil)
	return nil
}

// RetryRun re-runs the failed nodes of a terminal FAILED or PARTIAL_FAILED
// run: each node whose latest attempt failed gets a fresh attempt and the
// run returns to RUNNING.
func (o *Orchestrator) RetryRun(ctx context.Context, tenantID, runID uint, operator string) error {
	run, err := o.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.TenantID != tenantID {
		return errkind.NotFound("dag run %d not found", runID)
	}
	if run.Status != models.RunFailed && run.Status != models.RunPartialFailed {
		return errkind.NotAllowed("run %s is %s, only failed runs can be retried", run.RunNo, run.Status)
	}
	failed, err := o.latestInstances(ctx, runID)
	if err != nil {
		return err
	}
	err = o.db.WithContext(ctx).Model(&models.DagRun{}).
		Where("id = ?", runID).
		Updates(map[string]interface{}{"status": models.RunRunning, "end_time": nil}).Error
	if err != nil {
		return errkind.System(err, "reopen run")
	}
	now := time.Now()
	retried := 0
	for i := range failed {
		inst := &failed[i]
		if inst.Status != models.InstanceFailed {
			continue
		}
		if _, err := o.cloneInstance(ctx, inst, now); err != nil {
			return err
		}
		retried++
	}
	o.audit.Record(tenantID, "DagRun", run.RunNo, "retry", operator,
		map[string]interface{}{"nodes": retried})
	return nil
}

// createInstance builds one PENDING attempt for a node with its merged
// parameters; a nil schedule time leaves the node waiting for activation.
// Duplicate attempts lose on the unique index and are ignored.
func (o *Orchestrator) createInstance(ctx context.Context, run *models.DagRun, node *models.DagTask, attemptNo int, at *time.Time) error {
	overrides, err := params.Decode(run.Params)
	if err != nil {
		return err
	}
	merged, err := o.mergedNodeParams(ctx, run.TenantID, node, overrides, false)
	if err != nil {
		return err
	}
	raw, err := params.Encode(merged)
	if err != nil {
		return err
	}
	inst := &models.TaskInstance{
		DagRunID:     run.ID,
		DagID:        run.DagID,
		DagVersionID: run.DagVersionID,
		NodeCode:     node.NodeCode,
		TaskID:       node.TaskID,
		TenantID:     run.TenantID,
		AttemptNo:    attemptNo,
		Status:       models.InstancePending,
		ScheduledAt:  at,
		Params:       raw,
	}
	if err := o.db.WithContext(ctx).Create(inst).Error; err != nil {
		if database.IsDuplicateKey(err) {
			return nil
		}
		return errkind.System(err, "create task instance")
	}
	return nil
}

// activateInstance stamps a schedule time on a node's waiting instance,
// making it visible to workers. Rows already scheduled are left alone.
func (o *Orchestrator) activateInstance(ctx context.Context, runID uint, nodeCode string, at time.Time) error {
	err := o.db.WithContext(ctx).Model(&models.TaskInstance{}).
		Where("dag_run_id = ? AND node_code = ? AND status = ? AND scheduled_at IS NULL",
			runID, nodeCode, models.InstancePending).
		Update("scheduled_at", at).Error
	if err != nil {
		return errkind.System(err, "activate task instance")
	}
	return nil
}

// cloneInstance creates the next attempt of a failed instance, reusing its
// already merged parameters.
func (o *Orchestrator) cloneInstance(ctx context.Context, inst *models.TaskInstance, at time.Time) (*models.TaskInstance, error) {
	next := &models.TaskInstance{
		DagRunID:     inst.DagRunID,
		DagID:        inst.DagID,
		DagVersionID: inst.DagVersionID,
		NodeCode:     inst.NodeCode,
		TaskID:       inst.TaskID,
		TenantID:     inst.TenantID,
		AttemptNo:    inst.AttemptNo + 1,
		Status:       models.InstancePending,
		ScheduledAt:  &at,
		Params:       inst.Params,
	}
	if err := o.db.WithContext(ctx).Create(next).Error; err != nil {
		if database.IsDuplicateKey(err) {
			return nil, errkind.Conflict("attempt %d of node %q already exists", next.AttemptNo, inst.NodeCode)
		}
		return nil, errkind.System(err, "clone task instance")
	}
	return next, nil
}

// mergedNodeParams merges task defaults, node overrides and trigger
// overrides for one node. With validate set the result is checked against
// the task type schema.
func (o *Orchestrator) mergedNodeParams(ctx context.Context, tenantID uint, node *models.DagTask, overrides map[string]interface{}, validate bool) (map[string]interface{}, error) {
	task, err := o.catalog.GetTask(ctx, tenantID, node.TaskID)
	if err != nil {
		return nil, err
	}
	layered, err := params.MergeJSON(task.Params, node.OverrideParams)
	if err != nil {
		return nil, err
	}
	merged := params.Merge(layered, overrides)
	if validate {
		tt, err := o.catalog.GetTaskType(ctx, tenantID, task.TypeID)
		if err != nil {
			return nil, err
		}
		if err := params.Validate(tt.ParamSchema, merged); err != nil {
			return nil, errkind.Validation("node %q: %v", node.NodeCode, err)
		}
	}
	return merged, nil
}

// LatestInstanceStatuses maps each node code of a run to the status of its
// highest attempt.
func (o *Orchestrator) LatestInstanceStatuses(ctx context.Context, runID uint) (map[string]models.InstanceStatus, error) {
	latest, err := o.latestInstances(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := map[string]models.InstanceStatus{}
	for i := range latest {
		out[latest[i].NodeCode] = latest[i].Status
	}
	return out, nil
}

// latestInstances returns the highest attempt per node code of a run.
func (o *Orchestrator) latestInstances(ctx context.Context, runID uint) ([]models.TaskInstance, error) {
	var all []models.TaskInstance
	err := o.db.WithContext(ctx).
		Where("dag_run_id = ?", runID).
		Order("node_code, attempt_no").Find(&all).Error
	if err != nil {
		return nil, errkind.System(err, "load task instances")
	}
	byNode := map[string]int{}
	out := []models.TaskInstance{}
	for i := range all {
		if idx, ok := byNode[all[i].NodeCode]; ok {
			out[idx] = all[i]
			continue
		}
		byNode[all[i].NodeCode] = len(out)
		out = append(out, all[i])
	}
	return out, nil
}
