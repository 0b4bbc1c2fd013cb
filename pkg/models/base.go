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
	"gorm.io/gorm"
)

// ConcurrencyPolicy limits how many instances of related work may run at
// once. See the worker pool's policy gate for the exact scopes.
type ConcurrencyPolicy string

const (
	PolicyParallel   ConcurrencyPolicy = "PARALLEL"
	PolicySequential ConcurrencyPolicy = "SEQUENTIAL"
	PolicySingleton  ConcurrencyPolicy = "SINGLETON"
	PolicyKeyed      ConcurrencyPolicy = "KEYED"
)

type VersionStatus string

const (
	VersionDraft    VersionStatus = "DRAFT"
	VersionActive   VersionStatus = "ACTIVE"
	VersionArchived VersionStatus = "ARCHIVED"
)

type RunStatus string

const (
	RunScheduled     RunStatus = "SCHEDULED"
	RunRunning       RunStatus = "RUNNING"
	RunSuccess       RunStatus = "SUCCESS"
	RunFailed        RunStatus = "FAILED"
	RunPartialFailed RunStatus = "PARTIAL_FAILED"
	RunCancelled     RunStatus = "CANCELLED"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunPartialFailed, RunCancelled:
		return true
	}
	return false
}

type TriggerType string

const (
	TriggerManual   TriggerType = "MANUAL"
	TriggerSchedule TriggerType = "SCHEDULE"
	TriggerRetry    TriggerType = "RETRY"
)

type InstanceStatus string

const (
	InstancePending  InstanceStatus = "PENDING"
	InstanceReserved InstanceStatus = "RESERVED"
	InstanceRunning  InstanceStatus = "RUNNING"
	InstanceSuccess  InstanceStatus = "SUCCESS"
	InstanceFailed   InstanceStatus = "FAILED"
	InstancePaused   InstanceStatus = "PAUSED"
	InstanceSkipped  InstanceStatus = "SKIPPED"
)

// ActiveInstanceStatuses are the states the concurrency-policy gate counts as
// occupying a slot.
var ActiveInstanceStatuses = []InstanceStatus{InstanceReserved, InstanceRunning}

// Migrate creates or updates the ten orchestration tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&TaskType{},
		&Task{},
		&Dag{},
		&DagVersion{},
		&DagTask{},
		&DagEdge{},
		&DagRun{},
		&TaskInstance{},
		&TaskHistory{},
		&Audit{},
	)
}
