// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package executor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ralphx-dev/ralphx/pkg/types"
)

// Completion statuses the structured output may report. Anything else is
// treated as implemented so a model inventing a status cannot strand an
// item in claimed.
const (
	completionImplemented = "implemented"
	completionDuplicate   = "duplicate"
	completionSkipped     = "skipped"
	completionExternal    = "external"
	completionError       = "error"
)

// completeClaims resolves the iteration's claimed items after a successful
// subprocess. A single item with structured output gets the full status
// mapping; batches use plain mark-processed, because one reported status
// cannot describe several items.
func (e *Executor) completeClaims(ctx context.Context, claimed []*types.WorkItem, claimer string, result *types.ExecutionResult) error {
	if len(claimed) == 1 && result.StructuredOutput != nil {
		return e.applyStructuredStatus(ctx, claimed[0], claimer, result.StructuredOutput)
	}

	for _, item := range claimed {
		ok, err := e.store.MarkWorkItemProcessed(ctx, item.ID, claimer)
		if err != nil {
			return fmt.Errorf("failed to mark %s processed: %w", item.ID, err)
		}
		if !ok {
			e.logger.Warn("claim lost before completion",
				zap.String("item", item.ID))
		}
	}
	return nil
}

// applyStructuredStatus maps the model's completion report onto the item's
// terminal status. Detail fields are merged into metadata, never replacing
// what operators or importers put there.
func (e *Executor) applyStructuredStatus(ctx context.Context, item *types.WorkItem, claimer string, out map[string]any) error {
	status, _ := out["status"].(string)

	var (
		ok  bool
		err error
	)
	switch status {
	case completionDuplicate:
		ok, err = e.store.MarkWorkItemDuplicate(ctx, item.ID, claimer, stringField(out, "duplicate_of"))

	case completionSkipped:
		ok, err = e.store.MarkWorkItemSkipped(ctx, item.ID, claimer, stringField(out, "reason"))

	case completionExternal:
		ok, err = e.store.MarkWorkItemExternal(ctx, item.ID, claimer, stringField(out, "external_system"))
		if err == nil && ok {
			if patch := pickFields(out, "status_reason"); len(patch) > 0 {
				err = e.store.MergeWorkItemMetadata(ctx, item.ID, patch)
			}
		}

	case completionError:
		ok, err = e.store.MarkWorkItemFailed(ctx, item.ID, claimer)

	default:
		if status != "" && status != completionImplemented {
			e.logger.Debug("unrecognized completion status, treating as implemented",
				zap.String("item", item.ID),
				zap.String("status", status))
		}
		ok, err = e.store.MarkWorkItemProcessed(ctx, item.ID, claimer)
		if err == nil && ok {
			if patch := pickFields(out, "summary", "files_changed", "tests_passed"); len(patch) > 0 {
				err = e.store.MergeWorkItemMetadata(ctx, item.ID, patch)
			}
		}
	}

	if err != nil {
		return fmt.Errorf("failed to resolve %s as %q: %w", item.ID, status, err)
	}
	if !ok {
		e.logger.Warn("claim lost before completion",
			zap.String("item", item.ID),
			zap.String("status", status))
	}
	return nil
}

// stringField reads a string value from structured output, tolerating a
// missing or differently-typed field.
func stringField(out map[string]any, key string) string {
	s, _ := out[key].(string)
	return s
}

// pickFields copies the named keys that are present into a metadata patch.
func pickFields(out map[string]any, keys ...string) map[string]any {
	patch := make(map[string]any, len(keys))
	for _, key := range keys {
		if v, present := out[key]; present {
			patch[key] = v
		}
	}
	return patch
}
