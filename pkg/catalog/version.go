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
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"tinyflow.io/tinyflow/pkg/errkind"
	"tinyflow.io/tinyflow/pkg/graph"
	"tinyflow.io/tinyflow/pkg/models"
	"tinyflow.io/tinyflow/pkg/params"
	"tinyflow.io/tinyflow/pkg/utils/database"
)

// NodeSpec declares one node of a draft version.
type NodeSpec struct {
	NodeCode       string                 `json:"nodeCode"`
	TaskCode       string                 `json:"taskCode"`
	Name           string                 `json:"name"`
	OverrideParams map[string]interface{} `json:"overrideParams,omitempty"`
	TimeoutSec     int                    `json:"timeoutSec,omitempty"`
	MaxRetry       int                    `json:"maxRetry,omitempty"`
	ParallelGroup  string                 `json:"parallelGroup,omitempty"`
}

// EdgeSpec declares one dependency between two node codes.
type EdgeSpec struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// VersionSpec is the structure of a draft version as supplied by a caller.
type VersionSpec struct {
	Nodes []NodeSpec `json:"nodes"`
	Edges []EdgeSpec `json:"edges"`
}

// CreateDraftVersion validates the spec against the catalog, assigns the
// next version number and stores the version with its nodes and edges in one
// transaction. The new version starts in DRAFT.
func (c *Catalog) CreateDraftVersion(ctx context.Context, tenantID, dagID uint, spec VersionSpec, createdBy string) (*models.DagVersion, error) {
	if _, err := c.GetDag(ctx, tenantID, dagID); err != nil {
		return nil, err
	}
	tasksByCode, err := c.resolveSpecTasks(ctx, tenantID, spec)
	if err != nil {
		return nil, err
	}
	if err := validateVersionSpec(spec); err != nil {
		return nil, err
	}

	definition, err := json.Marshal(spec)
	if err != nil {
		return nil, errkind.System(err, "encode version definition")
	}
	version := &models.DagVersion{
		DagID:      dagID,
		Status:     models.VersionDraft,
		Definition: datatypes.JSON(definition),
		CreatedBy:  createdBy,
	}
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxNo int
		if err := tx.Model(&models.DagVersion{}).Where("dag_id = ?", dagID).
			Select("COALESCE(MAX(version_no), 0)").Scan(&maxNo).Error; err != nil {
			return err
		}
		version.VersionNo = maxNo + 1
		if err := tx.Create(version).Error; err != nil {
			return err
		}
		for _, node := range spec.Nodes {
			overrides, err := params.Encode(node.OverrideParams)
			if err != nil {
				return err
			}
			row := models.DagTask{
				DagVersionID:   version.ID,
				NodeCode:       node.NodeCode,
				TaskID:         tasksByCode[node.TaskCode].ID,
				Name:           node.Name,
				OverrideParams: overrides,
				TimeoutSec:     node.TimeoutSec,
				MaxRetry:       node.MaxRetry,
				ParallelGroup:  node.ParallelGroup,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		for _, edge := range spec.Edges {
			row := models.DagEdge{
				DagVersionID: version.ID,
				FromNodeCode: edge.From,
				ToNodeCode:   edge.To,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if database.IsDuplicateKey(err) {
			return nil, errkind.Conflict("version spec has duplicate nodes or edges")
		}
		return nil, errkind.System(err, "create draft version")
	}
	c.audit.Record(tenantID, "DagVersion", version.ID, "create", createdBy, spec)
	return version, nil
}

// ActivateVersion makes one version ACTIVE and archives any sibling that
// was. Only DRAFT and ARCHIVED versions can be activated, and the structure
// is re-validated so a draft saved against since-deleted tasks cannot go
// live.
func (c *Catalog) ActivateVersion(ctx context.Context, tenantID, versionID uint, operator string) error {
	version, err := c.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if version.Status == models.VersionActive {
		return errkind.NotAllowed("version %d is already active", versionID)
	}
	dag, err := c.GetDag(ctx, tenantID, version.DagID)
	if err != nil {
		return err
	}
	nodes, edges, err := c.VersionStructure(ctx, versionID)
	if err != nil {
		return err
	}
	if err := c.validateStructure(ctx, tenantID, nodes, edges); err != nil {
		return err
	}

	now := time.Now()
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.DagVersion{}).
			Where("dag_id = ? AND status = ? AND id <> ?", version.DagID, models.VersionActive, versionID).
			Update("status", models.VersionArchived).Error; err != nil {
			return err
		}
		return tx.Model(&models.DagVersion{}).Where("id = ?", versionID).
			Updates(map[string]interface{}{"status": models.VersionActive, "activated_at": now}).Error
	})
	if err != nil {
		return errkind.System(err, "activate version")
	}
	c.audit.Record(tenantID, "DagVersion", versionID, "activate", operator,
		map[string]interface{}{"dag": dag.Code, "versionNo": version.VersionNo})
	return nil
}

// ArchiveVersion retires an ACTIVE or DRAFT version.
func (c *Catalog) ArchiveVersion(ctx context.Context, tenantID, versionID uint, operator string) error {
	version, err := c.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if version.Status == models.VersionArchived {
		return errkind.NotAllowed("version %d is already archived", versionID)
	}
	if err := c.db.WithContext(ctx).Model(version).Update("status", models.VersionArchived).Error; err != nil {
		return errkind.System(err, "archive version")
	}
	c.audit.Record(tenantID, "DagVersion", versionID, "archive", operator, nil)
	return nil
}

func (c *Catalog) GetVersion(ctx context.Context, versionID uint) (*models.DagVersion, error) {
	version := &models.DagVersion{}
	if err := c.db.WithContext(ctx).First(version, versionID).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, errkind.NotFound("dag version %d not found", versionID)
		}
		return nil, errkind.System(err, "get dag version")
	}
	return version, nil
}

// ActiveVersion returns the single ACTIVE version of a dag, or NotFound when
// none is live.
func (c *Catalog) ActiveVersion(ctx context.Context, dagID uint) (*models.DagVersion, error) {
	version := &models.DagVersion{}
	err := c.db.WithContext(ctx).
		Where("dag_id = ? AND status = ?", dagID, models.VersionActive).First(version).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, errkind.NotFound("dag %d has no active version", dagID)
		}
		return nil, errkind.System(err, "get active version")
	}
	return version, nil
}

func (c *Catalog) ListVersions(ctx context.Context, dagID uint) ([]models.DagVersion, error) {
	var versions []models.DagVersion
	err := c.db.WithContext(ctx).Where("dag_id = ?", dagID).Order("version_no DESC").Find(&versions).Error
	if err != nil {
		return nil, errkind.System(err, "list versions")
	}
	return versions, nil
}

// VersionStructure loads the stored nodes and edges of a version.
func (c *Catalog) VersionStructure(ctx context.Context, versionID uint) ([]models.DagTask, []models.DagEdge, error) {
	var nodes []models.DagTask
	if err := c.db.WithContext(ctx).Where("dag_version_id = ?", versionID).Order("id").Find(&nodes).Error; err != nil {
		return nil, nil, errkind.System(err, "load version nodes")
	}
	var edges []models.DagEdge
	if err := c.db.WithContext(ctx).Where("dag_version_id = ?", versionID).Order("id").Find(&edges).Error; err != nil {
		return nil, nil, errkind.System(err, "load version edges")
	}
	return nodes, edges, nil
}

func (c *Catalog) resolveSpecTasks(ctx context.Context, tenantID uint, spec VersionSpec) (map[string]*models.Task, error) {
	out := map[string]*models.Task{}
	for _, node := range spec.Nodes {
		if node.TaskCode == "" {
			return nil, errkind.Validation("node %q names no task", node.NodeCode)
		}
		if _, ok := out[node.TaskCode]; ok {
			continue
		}
		task, err := c.GetTaskByCode(ctx, tenantID, node.TaskCode)
		if err != nil {
			if errkind.IsNotFound(err) {
				return nil, errkind.Validation("node %q references unknown task %q", node.NodeCode, node.TaskCode)
			}
			return nil, err
		}
		if !task.Enabled {
			return nil, errkind.NotAllowed("node %q references disabled task %q", node.NodeCode, node.TaskCode)
		}
		out[node.TaskCode] = task
	}
	return out, nil
}

func validateVersionSpec(spec VersionSpec) error {
	if len(spec.Nodes) == 0 {
		return errkind.Validation("version spec declares no nodes")
	}
	codes := map[string]bool{}
	nodeCodes := make([]string, 0, len(spec.Nodes))
	for _, node := range spec.Nodes {
		if node.NodeCode == "" {
			return errkind.Validation("version spec has a node without a code")
		}
		if codes[node.NodeCode] {
			return errkind.Validation("duplicate node code %q", node.NodeCode)
		}
		codes[node.NodeCode] = true
		nodeCodes = append(nodeCodes, node.NodeCode)
	}
	gedges := make([]graph.Edge, 0, len(spec.Edges))
	for _, edge := range spec.Edges {
		if !codes[edge.From] || !codes[edge.To] {
			return errkind.Validation("edge %s -> %s references an undeclared node", edge.From, edge.To)
		}
		if edge.From == edge.To {
			return errkind.Validation("edge %s -> %s is a self loop", edge.From, edge.To)
		}
		gedges = append(gedges, graph.Edge{From: edge.From, To: edge.To})
	}
	return graph.DetectCycle(nodeCodes, gedges)
}

// validateStructure re-checks stored nodes and edges at activation time.
func (c *Catalog) validateStructure(ctx context.Context, tenantID uint, nodes []models.DagTask, edges []models.DagEdge) error {
	if len(nodes) == 0 {
		return errkind.Validation("version has no nodes")
	}
	nodeCodes := make([]string, 0, len(nodes))
	for _, node := range nodes {
		nodeCodes = append(nodeCodes, node.NodeCode)
		task, err := c.GetTask(ctx, tenantID, node.TaskID)
		if err != nil {
			if errkind.IsNotFound(err) {
				return errkind.Validation("node %q references a deleted task", node.NodeCode)
			}
			return err
		}
		if !task.Enabled {
			return errkind.NotAllowed("node %q references disabled task %q", node.NodeCode, task.Code)
		}
	}
	return graph.DetectCycle(nodeCodes, graph.FromModels(edges))
}
