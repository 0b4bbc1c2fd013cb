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

	"tinyflow.io/tinyflow/pkg/errkind"
	"tinyflow.io/tinyflow/pkg/models"
	"tinyflow.io/tinyflow/pkg/utils/database"
)

// TriggerNode marks one node of a RUNNING run ready immediately: a waiting
// instance is scheduled now, a terminal one gets a fresh attempt. An attempt
// that is reserved, executing or paused blocks the trigger.
func (o *Orchestrator) TriggerNode(ctx context.Context, tenantID, runID uint, nodeCode, operator string) error {
	run, node, latest, err := o.loadNode(ctx, tenantID, runID, nodeCode)
	if err != nil {
		return err
	}
	if run.Status != models.RunRunning {
		return errkind.NotAllowed("run %s is %s, nodes can only be triggered while it runs", run.RunNo, run.Status)
	}
	now := time.Now()
	if latest == nil {
		if err := o.createInstance(ctx, run, node, 1, &now); err != nil {
			return err
		}
	} else {
		switch latest.Status {
		case models.InstancePending:
			err := o.db.WithContext(ctx).Model(&models.TaskInstance{}).
				Where("id = ? AND status = ?", latest.ID, models.InstancePending).
				Update("scheduled_at", now).Error
			if err != nil {
				return errkind.System(err, "trigger node")
			}
		case models.InstanceReserved, models.InstanceRunning, models.InstancePaused:
			return errkind.Conflict("node %q already has a live attempt", nodeCode)
		default:
			if _, err := o.cloneInstance(ctx, latest, now); err != nil {
				return err
			}
		}
	}
	o.audit.Record(tenantID, "TaskInstance", run.RunNo+"/"+nodeCode, "trigger-node", operator, nil)
	return nil
}

// RetryNode creates the next attempt of a node whose latest attempt FAILED.
func (o *Orchestrator) RetryNode(ctx context.Context, tenantID, runID uint, nodeCode, operator string) error {
	run, _, latest, err := o.loadNode(ctx, tenantID, runID, nodeCode)
	if err != nil {
		return err
	}
	if latest == nil || latest.Status != models.InstanceFailed {
		return errkind.NotAllowed("node %q has no failed attempt to retry", nodeCode)
	}
	if run.Status.Terminal() {
		// a terminal run reopens when one of its nodes is retried
		err := o.db.WithContext(ctx).Model(&models.DagRun{}).Where("id = ?", runID).
			Updates(map[string]interface{}{"status": models.RunRunning, "end_time": nil}).Error
		if err != nil {
			return errkind.System(err, "reopen run")
		}
	}
	if _, err := o.cloneInstance(ctx, latest, time.Now()); err != nil {
		return err
	}
	o.audit.Record(tenantID, "TaskInstance", run.RunNo+"/"+nodeCode, "retry-node", operator, nil)
	return nil
}

// PauseNode suspends a node's waiting attempt. PENDING and RESERVED attempts
// move to PAUSED, releasing any reservation held; pausing an already PAUSED
// attempt escalates it to SKIPPED.
func (o *Orchestrator) PauseNode(ctx context.Context, tenantID, runID uint, nodeCode, operator string) error {
	run, _, latest, err := o.loadNode(ctx, tenantID, runID, nodeCode)
	if err != nil {
		return err
	}
	if latest == nil {
		return errkind.NotAllowed("node %q has no attempt to pause", nodeCode)
	}
	if latest.Status == models.InstancePaused {
		res := o.db.WithContext(ctx).Model(&models.TaskInstance{}).
			Where("id = ? AND status = ?", latest.ID, models.InstancePaused).
			Update("status", models.InstanceSkipped)
		if res.Error != nil {
			return errkind.System(res.Error, "skip paused node")
		}
		if res.RowsAffected == 0 {
			return errkind.Conflict("node %q changed state concurrently", nodeCode)
		}
		o.audit.Record(tenantID, "TaskInstance", run.RunNo+"/"+nodeCode, "skip-node", operator, nil)
		return nil
	}
	if latest.Status != models.InstancePending && latest.Status != models.InstanceReserved {
		return errkind.NotAllowed("node %q is %s, only waiting attempts can be paused", nodeCode, latest.Status)
	}
	res := o.db.WithContext(ctx).Model(&models.TaskInstance{}).
		Where("id = ? AND status IN ?", latest.ID,
			[]models.InstanceStatus{models.InstancePending, models.InstanceReserved}).
		Updates(map[string]interface{}{"status": models.InstancePaused, "locked_by": "", "lock_time": nil})
	if res.Error != nil {
		return errkind.System(res.Error, "pause node")
	}
	if res.RowsAffected == 0 {
		return errkind.Conflict("node %q changed state concurrently", nodeCode)
	}
	o.audit.Record(tenantID, "TaskInstance", run.RunNo+"/"+nodeCode, "pause-node", operator, nil)
	return nil
}

// ResumeNode returns a PAUSED or SKIPPED attempt to PENDING, scheduled now.
func (o *Orchestrator) ResumeNode(ctx context.Context, tenantID, runID uint, nodeCode, operator string) error {
	run, _, latest, err := o.loadNode(ctx, tenantID, runID, nodeCode)
	if err != nil {
		return err
	}
	if latest == nil || (latest.Status != models.InstancePaused && latest.Status != models.InstanceSkipped) {
		return errkind.NotAllowed("node %q has no paused or skipped attempt to resume", nodeCode)
	}
	now := time.Now()
	res := o.db.WithContext(ctx).Model(&models.TaskInstance{}).
		Where("id = ? AND status IN ?", latest.ID,
			[]models.InstanceStatus{models.InstancePaused, models.InstanceSkipped}).
		Updates(map[string]interface{}{"status": models.InstancePending, "scheduled_at": now})
	if res.Error != nil {
		return errkind.System(res.Error, "resume node")
	}
	if res.RowsAffected == 0 {
		return errkind.Conflict("node %q changed state concurrently", nodeCode)
	}
	o.audit.Record(tenantID, "TaskInstance", run.RunNo+"/"+nodeCode, "resume-node", operator, nil)
	return nil
}

// SkipNode marks a waiting or paused attempt SKIPPED so the run can finish
// without it.
func (o *Orchestrator) SkipNode(ctx context.Context, tenantID, runID uint, nodeCode, operator string) error {
	run, _, latest, err := o.loadNode(ctx, tenantID, runID, nodeCode)
	if err != nil {
		return err
	}
	if latest == nil {
		return errkind.NotAllowed("node %q has no attempt to skip", nodeCode)
	}
	switch latest.Status {
	case models.InstancePending, models.InstancePaused:
	default:
		return errkind.NotAllowed("node %q is %s, only waiting or paused attempts can be skipped", nodeCode, latest.Status)
	}
	res := o.db.WithContext(ctx).Model(&models.TaskInstance{}).
		Where("id = ? AND status IN ?", latest.ID,
			[]models.InstanceStatus{models.InstancePending, models.InstancePaused}).
		Updates(map[string]interface{}{"status": models.InstanceSkipped, "locked_by": "", "lock_time": nil})
	if res.Error != nil {
		return errkind.System(res.Error, "skip node")
	}
	if res.RowsAffected == 0 {
		return errkind.Conflict("node %q changed state concurrently", nodeCode)
	}
	o.audit.Record(tenantID, "TaskInstance", run.RunNo+"/"+nodeCode, "skip-node", operator, nil)
	return nil
}

// loadNode resolves the run, the node definition and the node's latest
// attempt (nil when none exists yet).
func (o *Orchestrator) loadNode(ctx context.Context, tenantID, runID uint, nodeCode string) (*models.DagRun, *models.DagTask, *models.TaskInstance, error) {
	run, err := o.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, nil, err
	}
	if run.TenantID != tenantID {
		return nil, nil, nil, errkind.NotFound("dag run %d not found", runID)
	}
	node := &models.DagTask{}
	err = o.db.WithContext(ctx).
		Where("dag_version_id = ? AND node_code = ?", run.DagVersionID, nodeCode).First(node).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, nil, nil, errkind.NotFound("node %q not found in run %s", nodeCode, run.RunNo)
		}
		return nil, nil, nil, errkind.System(err, "load node")
	}
	latest := &models.TaskInstance{}
	err = o.db.WithContext(ctx).
		Where("dag_run_id = ? AND node_code = ?", runID, nodeCode).
		Order("attempt_no DESC").First(latest).Error
	if err != nil {
		if database.IsNotFound(err) {
			return run, node, nil, nil
		}
		return nil, nil, nil, errkind.System(err, "load latest attempt")
	}
	return run, node, latest, nil
}
