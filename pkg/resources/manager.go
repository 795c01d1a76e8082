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

// Package resources manages the project's prompt-augmenting resource
// tree. The filesystem under <project>/.ralphx/resources/<type>/<name>.md
// is the durable copy operators edit; the store mirrors content for
// versioning and optimistic-locked edits. Sync reconciles the two.
package resources

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"

	"github.com/ralphx-dev/ralphx/pkg/config"
	"github.com/ralphx-dev/ralphx/pkg/store"
	"github.com/ralphx-dev/ralphx/pkg/types"
)

const (
	// DefaultMaxResourceSize bounds a single resource file.
	DefaultMaxResourceSize = 1 << 20

	// DefaultPriority is assigned to resources discovered on disk.
	// Lower sorts earlier; operators set smaller values to front-run
	// the defaults.
	DefaultPriority = 100
)

var resourceNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateResourceName rejects names that cannot live as a file under the
// resources tree.
func ValidateResourceName(name string) error {
	if name == "" {
		return errors.New("resource name is required")
	}
	if !resourceNamePattern.MatchString(name) {
		return fmt.Errorf("invalid resource name %q: only letters, digits, '.', '_' and '-' are allowed", name)
	}
	return nil
}

// Manager reconciles resource files with the store and serves them to the
// prompt builder.
type Manager struct {
	store   *store.Store
	project string
	maxSize int64
	logger  *zap.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithMaxSize overrides the per-file size limit.
func WithMaxSize(n int64) Option {
	return func(m *Manager) { m.maxSize = n }
}

// NewManager creates a resource manager for one project.
func NewManager(st *store.Store, projectPath string, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:   st,
		project: projectPath,
		maxSize: DefaultMaxResourceSize,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SyncResult reports what one Sync pass changed. Names are
// "<type>/<name>" keys, sorted.
type SyncResult struct {
	Added   []string
	Updated []string
	Removed []string

	// Errors collects per-file rejections (symlinks, empty files,
	// oversize files) and row-level failures. They do not abort the
	// rest of the pass.
	Errors []error
}

// Empty reports whether the pass changed nothing and rejected nothing.
func (r *SyncResult) Empty() bool {
	return len(r.Added) == 0 && len(r.Updated) == 0 && len(r.Removed) == 0 && len(r.Errors) == 0
}

// diskFile is one vetted resource file found during a sync scan.
type diskFile struct {
	resourceType types.ResourceType
	name         string
	rel          string
	abs          string
	mtime        time.Time
}

// Sync reconciles the resource tree with the store: files without a row
// are added, files newer than their row update it, rows whose file is
// gone are removed. Running it twice in a row is a no-op.
func (m *Manager) Sync(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{}

	onDisk, err := m.scan(result)
	if err != nil {
		return nil, err
	}

	rows, err := m.store.ListResources(ctx, store.ResourceFilter{})
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]*types.Resource, len(rows))
	for _, r := range rows {
		byKey[resourceKey(r.ResourceType, r.Name)] = r
	}

	keys := make([]string, 0, len(onDisk))
	for key := range onDisk {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		f := onDisk[key]
		row, exists := byKey[key]
		if !exists {
			if err := m.addFromDisk(ctx, f); err != nil {
				result.Errors = append(result.Errors, err)
				continue
			}
			result.Added = append(result.Added, key)
			continue
		}
		updated, err := m.updateFromDisk(ctx, row, f)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		if updated {
			result.Updated = append(result.Updated, key)
		}
	}

	// Rows whose backing file disappeared. Rows without a file path were
	// created directly in the store and are left alone.
	removed := make([]string, 0)
	for key, row := range byKey {
		if row.FilePath == "" {
			continue
		}
		if _, exists := onDisk[key]; exists {
			continue
		}
		if err := m.store.DeleteResource(ctx, row.ID); err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		removed = append(removed, key)
	}
	sort.Strings(removed)
	result.Removed = removed

	return result, nil
}

// scan walks the resource tree collecting vetted files. Rejected files
// land in result.Errors.
func (m *Manager) scan(result *SyncResult) (map[string]diskFile, error) {
	onDisk := make(map[string]diskFile)
	for _, rt := range types.ResourceTypes() {
		dir := config.ResourceTypeDir(m.project, rt)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read resource directory %s: %w", dir, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".md") {
				continue
			}
			rel := filepath.Join(string(rt), name)
			abs := filepath.Join(dir, name)

			info, err := os.Lstat(abs)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("failed to stat %s: %w", rel, err))
				continue
			}
			if info.Mode()&os.ModeSymlink != 0 {
				result.Errors = append(result.Errors, fmt.Errorf("%s: symlinks are not allowed as resources", rel))
				continue
			}
			if info.Size() == 0 {
				result.Errors = append(result.Errors, fmt.Errorf("%s: resource file is empty", rel))
				continue
			}
			if info.Size() > m.maxSize {
				result.Errors = append(result.Errors,
					fmt.Errorf("%s: resource file is %d bytes, limit is %d", rel, info.Size(), m.maxSize))
				continue
			}

			base := strings.TrimSuffix(name, ".md")
			onDisk[resourceKey(rt, base)] = diskFile{
				resourceType: rt,
				name:         base,
				rel:          rel,
				abs:          abs,
				mtime:        info.ModTime(),
			}
		}
	}
	return onDisk, nil
}

func (m *Manager) addFromDisk(ctx context.Context, f diskFile) error {
	content, err := os.ReadFile(f.abs)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", f.rel, err)
	}
	mtime := f.mtime
	r := &types.Resource{
		Name:           f.name,
		ResourceType:   f.resourceType,
		Priority:       DefaultPriority,
		Enabled:        true,
		InheritDefault: true,
		FilePath:       f.rel,
		Content:        string(content),
		FileMtime:      &mtime,
	}
	if err := m.store.CreateResource(ctx, r); err != nil {
		return err
	}
	m.logger.Debug("resource added from disk", zap.String("resource", f.rel))
	return nil
}

// updateFromDisk refreshes a row from its file when the file is newer.
// It reports true only when the content actually changed; a bare touch
// just records the new mtime so later passes skip the read.
func (m *Manager) updateFromDisk(ctx context.Context, row *types.Resource, f diskFile) (bool, error) {
	if row.FileMtime != nil && !f.mtime.After(*row.FileMtime) {
		return false, nil
	}
	content, err := os.ReadFile(f.abs)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", f.rel, err)
	}

	updates := map[string]any{"file_mtime": f.mtime}
	changed := string(content) != row.Content
	if changed {
		updates["content"] = string(content)
	}
	if row.FilePath != f.rel {
		updates["file_path"] = f.rel
	}
	if _, err := m.store.UpdateResource(ctx, row.ID, updates, nil); err != nil {
		return false, fmt.Errorf("failed to update resource %s: %w", f.rel, err)
	}
	if changed {
		m.logger.Debug("resource updated from disk", zap.String("resource", f.rel))
	}
	return changed, nil
}

// Edit applies a partial update under the store's optimistic lock, then
// mirrors content and name changes back to the backing file. A stale
// expectedUpdatedAt yields a *store.ConflictError carrying the current
// row.
func (m *Manager) Edit(ctx context.Context, id string, patch map[string]any, expectedUpdatedAt *time.Time) (*types.Resource, error) {
	if name, ok := patch["name"].(string); ok {
		if err := ValidateResourceName(name); err != nil {
			return nil, err
		}
	}

	before, err := m.store.GetResource(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := m.store.UpdateResource(ctx, id, patch, expectedUpdatedAt)
	if err != nil {
		return nil, err
	}
	return m.mirrorToDisk(ctx, before, updated)
}

// mirrorToDisk pushes a store-side change out to the resource file and
// records the resulting mtime so the next Sync does not bounce the change
// back. Rows without a file path are store-only and skipped.
func (m *Manager) mirrorToDisk(ctx context.Context, before, updated *types.Resource) (*types.Resource, error) {
	if updated.FilePath == "" {
		return updated, nil
	}

	rel := filepath.Join(string(updated.ResourceType), updated.Name+".md")
	abs := filepath.Join(config.ResourcesDir(m.project), rel)

	followup := map[string]any{}
	if updated.Name != before.Name && before.FilePath != "" {
		oldAbs := filepath.Join(config.ResourcesDir(m.project), before.FilePath)
		if err := os.Rename(oldAbs, abs); err != nil && !os.IsNotExist(err) {
			return updated, fmt.Errorf("failed to rename resource file: %w", err)
		}
		followup["file_path"] = rel
	}
	if updated.Content != before.Content {
		if err := os.WriteFile(abs, []byte(updated.Content), 0644); err != nil {
			return updated, fmt.Errorf("failed to write resource file %s: %w", abs, err)
		}
	}

	if len(followup) == 0 && updated.Content == before.Content {
		return updated, nil
	}
	if info, err := os.Stat(abs); err == nil {
		followup["file_mtime"] = info.ModTime()
	}
	if len(followup) == 0 {
		return updated, nil
	}
	return m.store.UpdateResource(ctx, updated.ID, followup, nil)
}

// RestoreVersion overwrites a resource from one of its snapshots. The
// pre-restore state is itself snapshotted first, so a restore is always
// undoable.
func (m *Manager) RestoreVersion(ctx context.Context, id, versionID string) (*types.Resource, error) {
	version, err := m.store.GetResourceVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if version.ResourceID != id {
		return nil, fmt.Errorf("version %s does not belong to resource %s", versionID, id)
	}
	return m.Edit(ctx, id, map[string]any{
		"name":    version.Name,
		"content": version.Content,
	}, nil)
}

// DiffVersion renders a unified text diff from a snapshot to the current
// content.
func (m *Manager) DiffVersion(ctx context.Context, id, versionID string) (string, error) {
	current, err := m.store.GetResource(ctx, id)
	if err != nil {
		return "", err
	}
	version, err := m.store.GetResourceVersion(ctx, versionID)
	if err != nil {
		return "", err
	}
	if version.ResourceID != id {
		return "", fmt.Errorf("version %s does not belong to resource %s", versionID, id)
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(version.Content, current.Content, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	patches := dmp.PatchMake(version.Content, diffs)
	return dmp.PatchToText(patches), nil
}

// LoadForLoop returns the enabled resources a loop injects, grouped by
// injection position and sorted by priority then name within each group.
//
// Selection: an exclude entry always wins; an include entry pulls a
// resource in even when its inherit_default flag is off; everything else
// follows the flag.
func (m *Manager) LoadForLoop(ctx context.Context, loop *config.LoopConfig) (map[types.InjectionPosition][]*types.Resource, error) {
	rows, err := m.store.ListResources(ctx, store.ResourceFilter{EnabledOnly: true})
	if err != nil {
		return nil, err
	}

	include := map[string]bool{}
	exclude := map[string]bool{}
	if loop != nil && loop.Resources != nil {
		for _, name := range loop.Resources.Include {
			include[name] = true
		}
		for _, name := range loop.Resources.Exclude {
			exclude[name] = true
		}
	}

	grouped := make(map[types.InjectionPosition][]*types.Resource)
	for _, r := range rows {
		if exclude[r.Name] {
			continue
		}
		if !r.InheritDefault && !include[r.Name] {
			continue
		}
		if err := m.contentSafe(r); err != nil {
			m.logger.Warn("skipping resource",
				zap.String("resource", resourceKey(r.ResourceType, r.Name)),
				zap.Error(err))
			continue
		}
		grouped[r.InjectionPosition] = append(grouped[r.InjectionPosition], r)
	}

	for _, list := range grouped {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Priority != list[j].Priority {
				return list[i].Priority < list[j].Priority
			}
			return list[i].Name < list[j].Name
		})
	}
	return grouped, nil
}

// contentSafe re-applies the file-level limits to stored content before
// it reaches a prompt.
func (m *Manager) contentSafe(r *types.Resource) error {
	if len(r.Content) == 0 {
		return errors.New("resource has empty content")
	}
	if int64(len(r.Content)) > m.maxSize {
		return fmt.Errorf("resource content is %d bytes, limit is %d", len(r.Content), m.maxSize)
	}
	return nil
}

func resourceKey(rt types.ResourceType, name string) string {
	return string(rt) + "/" + name
}
