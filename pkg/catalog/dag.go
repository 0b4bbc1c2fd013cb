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

package catalog

import (
	"context"

	"gorm.io/gorm"

	"tinyflow.io/tinyflow/pkg/errkind"
	"tinyflow.io/tinyflow/pkg/models"
	"tinyflow.io/tinyflow/pkg/utils/database"
)

func (c *Catalog) CreateDag(ctx context.Context, dag *models.Dag) error {
	if dag.Code == "" {
		return errkind.Validation("dag code is required")
	}
	if err := ValidateCron(dag.CronExpr); err != nil {
		return err
	}
	if err := c.db.WithContext(ctx).Create(dag).Error; err != nil {
		if database.IsDuplicateKey(err) {
			return errkind.Conflict("dag %q already exists", dag.Code)
		}
		return errkind.System(err, "create dag")
	}
	c.audit.Record(dag.TenantID, "Dag", dag.ID, "create", dag.CreatedBy, dag)
	c.notifyScheduleChanged(dag)
	return nil
}

func (c *Catalog) GetDag(ctx context.Context, tenantID, id uint) (*models.Dag, error) {
	dag := &models.Dag{}
	err := c.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(dag).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, errkind.NotFound("dag %d not found", id)
		}
		return nil, errkind.System(err, "get dag")
	}
	return dag, nil
}

func (c *Catalog) GetDagByCode(ctx context.Context, tenantID uint, code string) (*models.Dag, error) {
	dag := &models.Dag{}
	err := c.db.WithContext(ctx).Where("tenant_id = ? AND code = ?", tenantID, code).First(dag).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, errkind.NotFound("dag %q not found", code)
		}
		return nil, errkind.System(err, "get dag")
	}
	return dag, nil
}

func (c *Catalog) ListDags(ctx context.Context, tenantID uint, opts ListOptions) (*Page[models.Dag], error) {
	query := c.db.WithContext(ctx).Model(&models.Dag{}).Where("tenant_id = ?", tenantID)
	query = applySearch(query, opts.Search)
	if opts.Enabled != nil {
		query = query.Where("enabled = ?", *opts.Enabled)
	}
	page := &Page[models.Dag]{}
	if err := paginate(query, opts, page); err != nil {
		return nil, err
	}
	return page, nil
}

func (c *Catalog) UpdateDag(ctx context.Context, dag *models.Dag) error {
	existing, err := c.GetDag(ctx, dag.TenantID, dag.ID)
	if err != nil {
		return err
	}
	if existing.Code != dag.Code {
		return errkind.NotAllowed("dag code cannot be changed")
	}
	if err := ValidateCron(dag.CronExpr); err != nil {
		return err
	}
	prevCron, prevEnabled := existing.CronExpr, existing.Enabled
	updates := map[string]interface{}{
		"name":        dag.Name,
		"description": dag.Description,
		"cron_expr":   dag.CronExpr,
		"enabled":     dag.Enabled,
	}
	if err := c.db.WithContext(ctx).Model(existing).Updates(updates).Error; err != nil {
		return errkind.System(err, "update dag")
	}
	c.audit.Record(dag.TenantID, "Dag", dag.ID, "update", dag.CreatedBy, updates)
	if prevCron != dag.CronExpr || prevEnabled != dag.Enabled {
		c.notifyScheduleChanged(dag)
	}
	return nil
}

// DeleteDag refuses while the dag still has unfinished runs, then removes
// the dag together with its versions, nodes and edges.
func (c *Catalog) DeleteDag(ctx context.Context, tenantID, id uint, operator string) error {
	dag, err := c.GetDag(ctx, tenantID, id)
	if err != nil {
		return err
	}
	var running int64
	err = c.db.WithContext(ctx).Model(&models.DagRun{}).
		Where("dag_id = ? AND status IN ?", id, []models.RunStatus{models.RunScheduled, models.RunRunning}).
		Count(&running).Error
	if err != nil {
		return errkind.System(err, "count unfinished runs")
	}
	if running > 0 {
		return errkind.NotAllowed("dag %q has %d unfinished run(s)", dag.Code, running)
	}
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var versionIDs []uint
		if err := tx.Model(&models.DagVersion{}).Where("dag_id = ?", id).Pluck("id", &versionIDs).Error; err != nil {
			return err
		}
		if len(versionIDs) > 0 {
			if err := tx.Where("dag_version_id IN ?", versionIDs).Delete(&models.DagTask{}).Error; err != nil {
				return err
			}
			if err := tx.Where("dag_version_id IN ?", versionIDs).Delete(&models.DagEdge{}).Error; err != nil {
				return err
			}
			if err := tx.Where("dag_id = ?", id).Delete(&models.DagVersion{}).Error; err != nil {
				return err
			}
		}
		return tx.Delete(dag).Error
	})
	if err != nil {
		return errkind.System(err, "delete dag")
	}
	c.audit.Record(tenantID, "Dag", id, "delete", operator, nil)
	c.notifyScheduleRemoved(id)
	return nil
}
