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

// DagRun is one execution of a Dag version.
type DagRun struct {
	ID           uint   `gorm:"primarykey"`
	DagID        uint   `gorm:"index"`
	DagVersionID uint   `gorm:"index"`
	RunNo        string `gorm:"type:varchar(64);uniqueIndex"`
	TenantID     uint
	TriggerType  TriggerType `gorm:"type:varchar(32)"`
	TriggeredBy  string
	Status       RunStatus `gorm:"type:varchar(32);index;default:SCHEDULED"`
	StartTime    *time.Time
	EndTime      *time.Time
	Params       datatypes.JSON // trigger-time overrides, highest merge precedence
	Metrics      datatypes.JSON
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TaskInstance is one schedulable node within a run. Automatic retries
// reuse the row, bumping AttemptNo and stamping NextRetryAt; manual node
// retries clone a fresh row with AttemptNo incremented. A nil ScheduledAt
// means the node is waiting for its upstreams. LockedBy and LockTime hold
// the worker reservation.
type TaskInstance struct {
	ID           uint `gorm:"primarykey"`
	DagRunID     uint `gorm:"index;uniqueIndex:uniq_instance_attempt"`
	DagID        uint
	DagVersionID uint
	NodeCode     string `gorm:"type:varchar(128);uniqueIndex:uniq_instance_attempt"`
	TaskID       uint   `gorm:"index"`
	TenantID     uint
	AttemptNo    int            `gorm:"default:1;uniqueIndex:uniq_instance_attempt"`
	Status       InstanceStatus `gorm:"type:varchar(32);index;default:PENDING"`
	ScheduledAt  *time.Time     `gorm:"index"`
	NextRetryAt  *time.Time
	LockedBy     string `gorm:"type:varchar(64)"`
	LockTime     *time.Time
	Params       datatypes.JSON
	Result       datatypes.JSON
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
