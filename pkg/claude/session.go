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

package claude

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

func userHomeDir() (string, error) {
	return os.UserHomeDir()
}

// sessionDir returns the CLI's session-log directory for a project. The
// CLI namespaces logs by flattening the project path: every path
// separator becomes a dash.
func sessionDir(home, projectPath string) string {
	sanitized := strings.ReplaceAll(projectPath, "/", "-")
	sanitized = strings.ReplaceAll(sanitized, "\\", "-")
	return filepath.Join(home, ".claude", "projects", sanitized)
}

// snapshotSessions records the .jsonl files already present so discovery
// can spot the one this invocation creates. A missing directory is fine;
// the CLI creates it on first use.
func snapshotSessions(dir string) map[string]bool {
	existing := make(map[string]bool)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return existing
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".jsonl") {
			existing[entry.Name()] = true
		}
	}
	return existing
}

// newestSession returns the newest .jsonl file not present in the
// snapshot, or "" when none has appeared yet.
func newestSession(dir string, before map[string]bool) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	var newest string
	var newestMtime time.Time
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") || before[name] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMtime) {
			newest = name
			newestMtime = info.ModTime()
		}
	}
	if newest == "" {
		return ""
	}
	return filepath.Join(dir, newest)
}

// discoverSession polls for the invocation's session log. It returns the
// path once found; an empty path means the process exited, the deadline
// passed, or the context was cancelled first. A final scan runs after
// process exit so a log written just before exit is still picked up.
func discoverSession(ctx context.Context, dir string, before map[string]bool, procDone <-chan struct{}) string {
	deadline := time.NewTimer(discoveryDeadline)
	defer deadline.Stop()
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()

	for {
		if path := newestSession(dir, before); path != "" {
			return path
		}
		select {
		case <-ctx.Done():
			return ""
		case <-procDone:
			return newestSession(dir, before)
		case <-deadline.C:
			return ""
		case <-ticker.C:
		}
	}
}

// tailer incrementally reads a session log. It only consumes complete
// lines while the process runs, carrying the byte offset forward, so a
// line caught mid-write is re-read whole on the next poll.
type tailer struct {
	path   string
	offset int64
}

// next returns the new complete lines since the last call. When final is
// true the trailing unterminated line, if any, is included: the process
// has exited and no more writes are coming.
func (t *tailer) next(final bool) ([][]byte, error) {
	info, err := os.Stat(t.path)
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size <= t.offset {
		return nil, nil
	}

	f, err := os.Open(t.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	chunk := make([]byte, size-t.offset)
	n, err := f.ReadAt(chunk, t.offset)
	if err != nil && n == 0 {
		return nil, err
	}
	chunk = chunk[:n]

	consumed := len(chunk)
	if !final {
		nl := bytes.LastIndexByte(chunk, '\n')
		if nl < 0 {
			return nil, nil
		}
		consumed = nl + 1
		chunk = chunk[:consumed]
	}
	t.offset += int64(consumed)

	var lines [][]byte
	for _, line := range bytes.Split(chunk, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
