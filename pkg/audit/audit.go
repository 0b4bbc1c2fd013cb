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

// Package audit records catalog mutations and run lifecycle transitions.
// Recording is best effort: a failed insert is logged and swallowed so an
// audit outage never fails the operation being audited.
package audit

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"tinyflow.io/tinyflow/pkg/log"
	"tinyflow.io/tinyflow/pkg/models"
)

type Recorder struct {
	db *gorm.DB
}

func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Record writes one audit row. detail is marshaled to JSON; a nil detail
// stores an empty object.
func (r *Recorder) Record(tenantID uint, objectType string, objectID interface{}, action, operator string, detail interface{}) {
	raw := datatypes.JSON("{}")
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			raw = datatypes.JSON(b)
		} else {
			log.Warnf("marshal audit detail for %s %v: %v", objectType, objectID, err)
		}
	}
	row := models.Audit{
		TenantID:   tenantID,
		ObjectType: objectType,
		ObjectID:   fmt.Sprintf("%v", objectID),
		Action:     action,
		Operator:   operator,
		Detail:     raw,
	}
	if err := r.db.Create(&row).Error; err != nil {
		log.Warnf("record audit %s %s %v: %v", action, objectType, objectID, err)
	}
}
