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

	"tinyflow.io/tinyflow/pkg/errkind"
	"tinyflow.io/tinyflow/pkg/log"
	"tinyflow.io/tinyflow/pkg/models"
)

// PauseDag disables the dag and suspends its recurring schedule. Runs
// already in flight keep going; new triggers are rejected until resume.
func (o *Orchestrator) PauseDag(ctx context.Context, tenantID, dagID uint, operator string) error {
	dag, err := o.catalog.GetDag(ctx, tenantID, dagID)
	if err != nil {
		return err
	}
	if !dag.Enabled {
		return errkind.NotAllowed("dag %q is already paused", dag.Code)
	}
	err = o.db.WithContext(ctx).Model(dag).Update("enabled", false).Error
	if err != nil {
		return errkind.System(err, "disable dag")
	}
	if o.backend != nil {
		if err := o.backend.Pause(dagID); err != nil && !errkind.IsNotFound(err) {
			return err
		}
	}
	o.audit.Record(tenantID, "Dag", dagID, "pause", operator, nil)
	log.Infof("dag %q paused", dag.Code)
	return nil
}

// ResumeDag re-enables a paused dag and reinstates its recurring schedule.
func (o *Orchestrator) ResumeDag(ctx context.Context, tenantID, dagID uint, operator string) error {
	dag, err := o.catalog.GetDag(ctx, tenantID, dagID)
	if err != nil {
		return err
	}
	if dag.Enabled {
		return errkind.NotAllowed("dag %q is not paused", dag.Code)
	}
	err = o.db.WithContext(ctx).Model(dag).Update("enabled", true).Error
	if err != nil {
		return errkind.System(err, "enable dag")
	}
	if o.backend != nil {
		if err := o.backend.Resume(dagID); err != nil && !errkind.IsNotFound(err) {
			return err
		}
	}
	o.audit.Record(tenantID, "Dag", dagID, "resume", operator, nil)
	log.Infof("dag %q resumed", dag.Code)
	return nil
}

// StopDag suspends the dag's recurring schedule and cancels every run still
// in flight. The dag stays enabled; resume reinstates the schedule.
func (o *Orchestrator) StopDag(ctx context.Context, tenantID, dagID uint, operator string) error {
	dag, err := o.catalog.GetDag(ctx, tenantID, dagID)
	if err != nil {
		return err
	}
	if o.backend != nil {
		if err := o.backend.Pause(dagID); err != nil && !errkind.IsNotFound(err) {
			return err
		}
	}
	var runs []models.DagRun
	err = o.db.WithContext(ctx).
		Where("dag_id = ? AND status IN ?", dagID,
			[]models.RunStatus{models.RunScheduled, models.RunRunning}).
		Find(&runs).Error
	if err != nil {
		return errkind.System(err, "load unfinished runs")
	}
	for i := range runs {
		if err := o.StopRun(ctx, tenantID, runs[i].ID, operator); err != nil && !errkind.IsNotAllowed(err) {
			return err
		}
	}
	o.audit.Record(tenantID, "Dag", dagID, "stop", operator,
		map[string]interface{}{"cancelled": len(runs)})
	log.Infof("dag %q stopped, %d run(s) cancelled", dag.Code, len(runs))
	return nil
}

// RetryDag creates one fresh run for every failed run of an enabled dag.
// The failed runs themselves stay terminal.
func (o *Orchestrator) RetryDag(ctx context.Context, tenantID, dagID uint, operator string) (int, error) {
	dag, err := o.catalog.GetDag(ctx, tenantID, dagID)
	if err != nil {
		return 0, err
	}
	if !dag.Enabled {
		return 0, errkind.NotAllowed("dag %q is disabled, resume it before retrying", dag.Code)
	}
	var failed []models.DagRun
	err = o.db.WithContext(ctx).
		Where("dag_id = ? AND status IN ?", dagID,
			[]models.RunStatus{models.RunFailed, models.RunPartialFailed}).
		Find(&failed).Error
	if err != nil {
		return 0, errkind.System(err, "load failed runs")
	}
	retried := 0
	for range failed {
		if _, err := o.TriggerDag(ctx, TriggerOptions{
			TenantID:    tenantID,
			DagID:       dagID,
			TriggerType: models.TriggerRetry,
			TriggeredBy: operator,
		}); err != nil {
			return retried, err
		}
		retried++
	}
	o.audit.Record(tenantID, "Dag", dagID, "retry", operator,
		map[string]interface{}{"runs": retried})
	log.Infof("dag %q retried, %d run(s) created", dag.Code, retried)
	return retried, nil
}
