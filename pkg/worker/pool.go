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

// Package worker executes task instances. The Pool polls for due PENDING
// instances, reserves them with a conditional update so exactly one worker
// wins each attempt, and runs the bound executor under the resolved timeout.
// The Monitor sweeps RUNNING runs as the pull-side backstop.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"tinyflow.io/tinyflow/pkg/errkind"
	"tinyflow.io/tinyflow/pkg/executor"
	"tinyflow.io/tinyflow/pkg/graph"
	"tinyflow.io/tinyflow/pkg/log"
	"tinyflow.io/tinyflow/pkg/models"
	"tinyflow.io/tinyflow/pkg/orchestrator"
	"tinyflow.io/tinyflow/pkg/params"
	"tinyflow.io/tinyflow/pkg/utils/database"
)

type Pool struct {
	db       *gorm.DB
	orch     *orchestrator.Orchestrator
	registry *executor.Registry
	opts     *Options
	workerID string
	sem      chan struct{}
}

func NewPool(db *gorm.DB, orch *orchestrator.Orchestrator, registry *executor.Registry, opts *Options) *Pool {
	return &Pool{
		db:       db,
		orch:     orch,
		registry: registry,
		opts:     opts,
		workerID: "worker-" + uuid.NewString()[:8],
		sem:      make(chan struct{}, opts.Concurrency),
	}
}

func (p *Pool) WorkerID() string {
	return p.workerID
}

// Run polls until ctx is done, then drains executing attempts.
func (p *Pool) Run(ctx context.Context) error {
	log.Infof("worker pool %s starting, concurrency %d, poll every %ds",
		p.workerID, p.opts.Concurrency, p.opts.PollIntervalSec)
	ticker := time.NewTicker(time.Duration(p.opts.PollIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.drain()
			log.Infof("worker pool %s stopped", p.workerID)
			return nil
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

func (p *Pool) drain() {
	for i := 0; i < cap(p.sem); i++ {
		p.sem <- struct{}{}
	}
}

// PollOnce fetches due PENDING instances and reserves up to PollMaxPerCycle
// of them. Each page is read from the front of the queue, since every won
// reservation shrinks the pending set an offset would skip over. Instances
// with unfinished upstreams or deferred by a concurrency policy stay PENDING
// for a later cycle; a page that yields no reservation ends the cycle.
func (p *Pool) PollOnce(ctx context.Context) {
	reserved := 0
	views := map[uint]*runView{}
	for reserved < p.opts.PollMaxPerCycle {
		var batch []models.TaskInstance
		err := p.db.WithContext(ctx).
			Where("status = ? AND scheduled_at <= ?", models.InstancePending, time.Now()).
			Order("scheduled_at, id").
			Limit(p.opts.PollPageSize).
			Find(&batch).Error
		if err != nil {
			log.Errorf("poll pending instances: %v", err)
			return
		}
		if len(batch) == 0 {
			return
		}
		progressed := false
		for i := range batch {
			if reserved >= p.opts.PollMaxPerCycle {
				break
			}
			inst := batch[i]
			ready, err := p.upstreamsDone(ctx, views, &inst)
			if err != nil {
				log.Errorf("dependency gate for instance %d: %v", inst.ID, err)
				continue
			}
			if !ready {
				reservationsTotal.WithLabelValues("deferred").Inc()
				continue
			}
			ok, err := p.canReserve(ctx, &inst)
			if err != nil {
				log.Errorf("policy gate for instance %d: %v", inst.ID, err)
				continue
			}
			if !ok {
				reservationsTotal.WithLabelValues("deferred").Inc()
				continue
			}
			if !p.reserve(ctx, inst.ID) {
				reservationsTotal.WithLabelValues("lost").Inc()
				continue
			}
			reservationsTotal.WithLabelValues("won").Inc()
			reserved++
			progressed = true
			select {
			case p.sem <- struct{}{}:
			case <-ctx.Done():
				p.release(context.Background(), inst.ID)
				return
			}
			go func(id uint) {
				defer func() { <-p.sem }()
				p.execute(ctx, id)
			}(inst.ID)
		}
		if !progressed || len(batch) < p.opts.PollPageSize {
			return
		}
	}
}

// runView caches one run's edge set and node statuses for a poll cycle.
type runView struct {
	edges    []graph.Edge
	statuses map[string]models.InstanceStatus
}

// upstreamsDone reports whether every upstream of the instance's node has
// succeeded. Manual resume and trigger can schedule a node ahead of its
// upstreams, so the stamp alone is not trusted.
func (p *Pool) upstreamsDone(ctx context.Context, views map[uint]*runView, inst *models.TaskInstance) (bool, error) {
	view, ok := views[inst.DagRunID]
	if !ok {
		_, edges, err := p.orch.Catalog().VersionStructure(ctx, inst.DagVersionID)
		if err != nil {
			return false, err
		}
		statuses, err := p.orch.LatestInstanceStatuses(ctx, inst.DagRunID)
		if err != nil {
			return false, err
		}
		view = &runView{edges: graph.FromModels(edges), statuses: statuses}
		views[inst.DagRunID] = view
	}
	return graph.Satisfied(inst.NodeCode, view.edges, view.statuses), nil
}

// reserve atomically claims a PENDING instance for this worker.
func (p *Pool) reserve(ctx context.Context, instanceID uint) bool {
	now := time.Now()
	res := p.db.WithContext(ctx).Model(&models.TaskInstance{}).
		Where("id = ? AND status = ?", instanceID, models.InstancePending).
		Updates(map[string]interface{}{
			"status": models.InstanceReserved, "locked_by": p.workerID, "lock_time": now,
		})
	if res.Error != nil {
		log.Errorf("reserve instance %d: %v", instanceID, res.Error)
		return false
	}
	return res.RowsAffected == 1
}

// release puts a reservation this worker could not execute back to PENDING.
func (p *Pool) release(ctx context.Context, instanceID uint) {
	err := p.db.WithContext(ctx).Model(&models.TaskInstance{}).
		Where("id = ? AND status = ? AND locked_by = ?", instanceID, models.InstanceReserved, p.workerID).
		Updates(map[string]interface{}{"status": models.InstancePending, "locked_by": "", "lock_time": nil}).Error
	if err != nil {
		log.Errorf("release instance %d: %v", instanceID, err)
	}
}

// canReserve applies the task's concurrency policy. PARALLEL always passes;
// SEQUENTIAL admits one live attempt of the node per run; SINGLETON admits
// one of the task across all runs; KEYED admits one live attempt per
// parallel group.
func (p *Pool) canReserve(ctx context.Context, inst *models.TaskInstance) (bool, error) {
	task, err := p.orch.Catalog().GetTask(ctx, inst.TenantID, inst.TaskID)
	if err != nil {
		return false, err
	}
	switch task.ConcurrencyPolicy {
	case "", models.PolicyParallel:
		return true, nil
	case models.PolicySequential:
		var live int64
		err := p.db.WithContext(ctx).Model(&models.TaskInstance{}).
			Where("dag_run_id = ? AND node_code = ? AND status IN ?", inst.DagRunID, inst.NodeCode, models.ActiveInstanceStatuses).
			Count(&live).Error
		if err != nil {
			return false, errkind.System(err, "count live attempts")
		}
		return live == 0, nil
	case models.PolicySingleton:
		var live int64
		err := p.db.WithContext(ctx).Model(&models.TaskInstance{}).
			Where("task_id = ? AND status IN ?", inst.TaskID, models.ActiveInstanceStatuses).
			Count(&live).Error
		if err != nil {
			return false, errkind.System(err, "count live attempts")
		}
		return live == 0, nil
	case models.PolicyKeyed:
		return p.canReserveKeyed(ctx, inst)
	default:
		return true, nil
	}
}

// canReserveKeyed admits at most one live attempt per parallel group of a
// dag version. A node's group is its ParallelGroup, falling back to the node
// code, so ungrouped nodes contend only with themselves.
func (p *Pool) canReserveKeyed(ctx context.Context, inst *models.TaskInstance) (bool, error) {
	nodes, _, err := p.orch.Catalog().VersionStructure(ctx, inst.DagVersionID)
	if err != nil {
		return false, err
	}
	groups := map[string]string{}
	for i := range nodes {
		group := nodes[i].ParallelGroup
		if group == "" {
			group = nodes[i].NodeCode
		}
		groups[nodes[i].NodeCode] = group
	}
	own, ok := groups[inst.NodeCode]
	if !ok {
		return true, nil
	}
	var live []models.TaskInstance
	err = p.db.WithContext(ctx).
		Where("dag_version_id = ? AND status IN ?", inst.DagVersionID, models.ActiveInstanceStatuses).
		Find(&live).Error
	if err != nil {
		return false, errkind.System(err, "load live attempts")
	}
	for i := range live {
		if groups[live[i].NodeCode] == own {
			return false, nil
		}
	}
	return true, nil
}

// execute runs one reserved attempt end to end.
func (p *Pool) execute(ctx context.Context, instanceID uint) {
	inst := &models.TaskInstance{}
	if err := p.db.WithContext(ctx).First(inst, instanceID).Error; err != nil {
		log.Errorf("load instance %d: %v", instanceID, err)
		return
	}
	if inst.Status != models.InstanceReserved || inst.LockedBy != p.workerID {
		return
	}
	run, err := p.orch.GetRun(ctx, inst.DagRunID)
	if err != nil {
		log.Errorf("load run for instance %d: %v", instanceID, err)
		p.release(ctx, instanceID)
		return
	}
	if run.Status != models.RunRunning {
		// the run ended while this attempt waited in the queue
		p.db.WithContext(ctx).Model(inst).
			Updates(map[string]interface{}{"status": models.InstanceSkipped, "locked_by": "", "lock_time": nil})
		return
	}

	node, task, taskType, err := p.loadDefinitions(ctx, inst)
	if err != nil {
		p.finishAttempt(ctx, run, inst, attemptResult{err: err, start: time.Now(), end: time.Now()}, 0)
		return
	}
	timeoutSec := params.ResolveTimeout(node.TimeoutSec, task.TimeoutSec, taskType.DefaultTimeoutSec)
	maxRetry := params.ResolveMaxRetry(node.MaxRetry, task.MaxRetry, taskType.DefaultMaxRetry)

	res := p.db.WithContext(ctx).Model(&models.TaskInstance{}).
		Where("id = ? AND status = ? AND locked_by = ?", instanceID, models.InstanceReserved, p.workerID).
		Update("status", models.InstanceRunning)
	if res.Error != nil || res.RowsAffected == 0 {
		return
	}

	result := p.runExecutor(ctx, taskType.Executor, inst, timeoutSec)
	p.finishAttempt(ctx, run, inst, result, maxRetry)
}

type attemptResult struct {
	value interface{}
	err   error
	start time.Time
	end   time.Time
}

// runExecutor invokes the bound executor under the resolved timeout. A
// timed-out attempt is recorded as failed even though the executor goroutine
// may still be unwinding.
func (p *Pool) runExecutor(ctx context.Context, executorCode string, inst *models.TaskInstance, timeoutSec int) attemptResult {
	start := time.Now()
	fn, err := p.registry.Get(executorCode)
	if err != nil {
		return attemptResult{err: err, start: start, end: time.Now()}
	}
	merged, err := params.Decode(inst.Params)
	if err != nil {
		return attemptResult{err: err, start: start, end: time.Now()}
	}

	execCtx := ctx
	cancel := func() {}
	if timeoutSec > 0 {
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	}
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: errors.Errorf("executor panicked: %v", r)}
			}
		}()
		value, err := fn(execCtx, merged)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		return attemptResult{value: out.value, err: out.err, start: start, end: time.Now()}
	case <-execCtx.Done():
		if execCtx.Err() == context.DeadlineExceeded {
			return attemptResult{
				err:   errkind.Execution("execution timed out after %ds", timeoutSec),
				start: start, end: time.Now(),
			}
		}
		return attemptResult{err: execCtx.Err(), start: start, end: time.Now()}
	}
}

// finishAttempt records the history row, settles the instance status,
// returns the row to PENDING when attempts remain and pushes downstream
// activation on success.
func (p *Pool) finishAttempt(ctx context.Context, run *models.DagRun, inst *models.TaskInstance, result attemptResult, maxRetry int) {
	// late writes still land after the poll context is cancelled
	wctx := context.WithoutCancel(ctx)
	durationMs := result.end.Sub(result.start).Milliseconds()
	history := &models.TaskHistory{
		TaskInstanceID: inst.ID,
		DagRunID:       inst.DagRunID,
		DagID:          inst.DagID,
		NodeCode:       inst.NodeCode,
		TaskID:         inst.TaskID,
		AttemptNo:      inst.AttemptNo,
		StartTime:      &result.start,
		EndTime:        &result.end,
		DurationMs:     durationMs,
		Params:         inst.Params,
		WorkerID:       p.workerID,
	}

	if result.err == nil {
		raw, err := params.Encode(map[string]interface{}{"value": result.value})
		if err != nil {
			raw = nil
		}
		history.Status = models.InstanceSuccess
		history.Result = raw
		err = p.db.WithContext(wctx).Model(&models.TaskInstance{}).
			Where("id = ?", inst.ID).
			Updates(map[string]interface{}{
				"status": models.InstanceSuccess, "result": raw, "locked_by": "", "lock_time": nil,
			}).Error
		if err != nil {
			log.Errorf("settle instance %d: %v", inst.ID, err)
		}
		p.writeHistory(wctx, history)
		attemptsTotal.WithLabelValues(string(models.InstanceSuccess)).Inc()
		attemptDuration.WithLabelValues(history.NodeCode).Observe(float64(durationMs) / 1000)

		if err := p.orch.ActivateDownstream(wctx, run, inst.NodeCode); err != nil {
			log.Errorf("activate downstream of %s: %v", inst.NodeCode, err)
		}
		if _, err := p.orch.EvaluateRun(wctx, run.ID); err != nil {
			log.Errorf("evaluate run %s: %v", run.RunNo, err)
		}
		return
	}

	history.Status = models.InstanceFailed
	history.ErrorMessage = result.err.Error()
	history.StackTrace = fmt.Sprintf("%+v", result.err)

	// a failed attempt with retries left goes back to PENDING on the same
	// row, so the run monitor always sees a live node
	retried := false
	if inst.AttemptNo < maxRetry && run.Status == models.RunRunning {
		at := time.Now().Add(p.opts.Backoff(inst.AttemptNo))
		res := p.db.WithContext(wctx).Model(&models.TaskInstance{}).
			Where("id = ? AND status = ?", inst.ID, models.InstanceRunning).
			Updates(map[string]interface{}{
				"status": models.InstancePending, "attempt_no": inst.AttemptNo + 1,
				"scheduled_at": at, "next_retry_at": at,
				"locked_by": "", "lock_time": nil,
			})
		if res.Error != nil {
			log.Errorf("schedule retry for instance %d: %v", inst.ID, res.Error)
		} else if res.RowsAffected == 1 {
			retried = true
		}
	}
	if !retried {
		err := p.db.WithContext(wctx).Model(&models.TaskInstance{}).
			Where("id = ?", inst.ID).
			Updates(map[string]interface{}{
				"status": models.InstanceFailed, "locked_by": "", "lock_time": nil,
			}).Error
		if err != nil {
			log.Errorf("settle instance %d: %v", inst.ID, err)
		}
	}
	p.writeHistory(wctx, history)
	attemptsTotal.WithLabelValues(string(models.InstanceFailed)).Inc()
	log.Warnf("attempt %d of node %s in run %s failed: %v", inst.AttemptNo, inst.NodeCode, run.RunNo, result.err)

	if retried {
		return
	}
	if _, err := p.orch.EvaluateRun(wctx, run.ID); err != nil {
		log.Errorf("evaluate run %s: %v", run.RunNo, err)
	}
}

func (p *Pool) writeHistory(ctx context.Context, history *models.TaskHistory) {
	if err := p.db.WithContext(ctx).Create(history).Error; err != nil {
		log.Errorf("write history for instance %d attempt %d: %v", history.TaskInstanceID, history.AttemptNo, err)
	}
}

func (p *Pool) loadDefinitions(ctx context.Context, inst *models.TaskInstance) (*models.DagTask, *models.Task, *models.TaskType, error) {
	node := &models.DagTask{}
	err := p.db.WithContext(ctx).
		Where("dag_version_id = ? AND node_code = ?", inst.DagVersionID, inst.NodeCode).First(node).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, nil, nil, errkind.NotFound("node %q not found in version %d", inst.NodeCode, inst.DagVersionID)
		}
		return nil, nil, nil, errkind.System(err, "load node")
	}
	task, err := p.orch.Catalog().GetTask(ctx, inst.TenantID, inst.TaskID)
	if err != nil {
		return nil, nil, nil, err
	}
	taskType, err := p.orch.Catalog().GetTaskType(ctx, inst.TenantID, task.TypeID)
	if err != nil {
		return nil, nil, nil, err
	}
	return node, task, taskType, nil
}
