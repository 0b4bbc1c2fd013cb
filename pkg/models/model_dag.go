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

package models

import (
	"time"

	"gorm.io/datatypes"
)

// Dag is the logical workflow. Its structure lives in versions; the Dag row
// itself only carries identity, the cron expression and the enabled switch.
type Dag struct {
	ID          uint   `gorm:"primarykey"`
	TenantID    uint   `gorm:"uniqueIndex:uniq_dag_code"`
	Code        string `gorm:"type:varchar(128);uniqueIndex:uniq_dag_code"`
	Name        string `gorm:"type:varchar(128)"`
	Description string
	CronExpr    string `gorm:"type:varchar(64)"`
	Enabled     bool   `gorm:"default:true"`
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DagVersion is an immutable snapshot of a Dag's structure. At most one
// version per Dag is ACTIVE at a time.
type DagVersion struct {
	ID          uint          `gorm:"primarykey"`
	DagID       uint          `gorm:"uniqueIndex:uniq_dagversion_no"`
	VersionNo   int           `gorm:"uniqueIndex:uniq_dagversion_no"`
	Status      VersionStatus `gorm:"type:varchar(32);index;default:DRAFT"`
	Definition  datatypes.JSON
	CreatedBy   string
	CreatedAt   time.Time
	ActivatedAt *time.Time
}

// DagTask is a node in a version: a Task bound under a node code with
// per-node overrides for params, timeout and retries.
type DagTask struct {
	ID             uint   `gorm:"primarykey"`
	DagVersionID   uint   `gorm:"uniqueIndex:uniq_dagtask_node"`
	NodeCode       string `gorm:"type:varchar(128);uniqueIndex:uniq_dagtask_node"`
	TaskID         uint   `gorm:"index"`
	Name           string `gorm:"type:varchar(128)"`
	OverrideParams datatypes.JSON
	TimeoutSec     int
	MaxRetry       int
	ParallelGroup  string `gorm:"type:varchar(64)"`
	Meta           datatypes.JSON
	CreatedAt      time.Time
}

// DagEdge is a directed dependency between two node codes of the same
// version.
type DagEdge struct {
	ID           uint   `gorm:"primarykey"`
	DagVersionID uint   `gorm:"uniqueIndex:uniq_dagedge"`
	FromNodeCode string `gorm:"type:varchar(128);uniqueIndex:uniq_dagedge"`
	ToNodeCode   string `gorm:"type:varchar(128);uniqueIndex:uniq_dagedge"`
	Condition    datatypes.JSON
	CreatedAt    time.Time
}
