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

package resources

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ralphx-dev/ralphx/pkg/config"
	"github.com/ralphx-dev/ralphx/pkg/types"
)

// debounceInterval coalesces bursts of filesystem events (editors write,
// rename, and chmod in quick succession) into a single Sync pass.
const debounceInterval = 500 * time.Millisecond

// Watch re-runs Sync whenever the resource tree changes, until the
// context is cancelled. notify, when non-nil, receives the result of each
// pass that changed something.
func (m *Manager) Watch(ctx context.Context, notify func(*SyncResult)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	root := config.ResourcesDir(m.project)
	if err := watcher.Add(root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}
	// fsnotify does not recurse; each type directory is watched
	// individually. Missing ones are picked up via create events on the
	// root.
	for _, rt := range types.ResourceTypes() {
		dir := config.ResourceTypeDir(m.project, rt)
		if err := watcher.Add(dir); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to watch resource directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	debounce := time.NewTimer(debounceInterval)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	m.logger.Info("watching resources", zap.String("dir", root))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						m.logger.Warn("failed to watch new directory",
							zap.String("dir", event.Name), zap.Error(err))
					}
				}
			}
			debounce.Reset(debounceInterval)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("resource watcher error", zap.Error(err))

		case <-debounce.C:
			result, err := m.Sync(ctx)
			if err != nil {
				m.logger.Error("resource sync failed", zap.Error(err))
				continue
			}
			for _, e := range result.Errors {
				m.logger.Warn("resource rejected during sync", zap.Error(e))
			}
			if len(result.Added)+len(result.Updated)+len(result.Removed) > 0 {
				m.logger.Info("resources synced",
					zap.Int("added", len(result.Added)),
					zap.Int("updated", len(result.Updated)),
					zap.Int("removed", len(result.Removed)))
			}
			if notify != nil && !result.Empty() {
				notify(result)
			}
		}
	}
}
