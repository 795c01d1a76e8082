// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ralphx-dev/ralphx/pkg/types"
)

// RalphxDirName is the per-project state directory created next to the
// operator's code.
const RalphxDirName = ".ralphx"

// GetDataDir returns the global ralphx data directory.
//
// Priority:
// 1. RALPHX_DATA_DIR environment variable (if set and non-empty)
// 2. ~/.ralphx (default)
//
// The returned path is always absolute. Tilde (~) in RALPHX_DATA_DIR is
// expanded to the user's home directory; relative paths are converted to
// absolute paths.
//
// Note: this reads directly from os.Getenv(), not from viper, to avoid a
// circular dependency during CLI initialization.
func GetDataDir() string {
	if dataDir := os.Getenv("RALPHX_DATA_DIR"); dataDir != "" {
		return expandPath(dataDir)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home dir cannot be determined
		return RalphxDirName
	}
	return filepath.Join(homeDir, RalphxDirName)
}

// CredentialsDBPath returns the path of the global credential database.
func CredentialsDBPath() string {
	return filepath.Join(GetDataDir(), "credentials.db")
}

// ProjectCatalogPath returns the path of the operator-facing project
// catalog maintained outside the core.
func ProjectCatalogPath() string {
	return filepath.Join(GetDataDir(), "projects.yaml")
}

// RalphxDir returns the state directory for a project.
func RalphxDir(projectPath string) string {
	return filepath.Join(projectPath, RalphxDirName)
}

// StateDBPath returns the project store database path.
func StateDBPath(projectPath string) string {
	return filepath.Join(RalphxDir(projectPath), "state.db")
}

// LoopsDir returns the directory holding loop configuration files.
func LoopsDir(projectPath string) string {
	return filepath.Join(RalphxDir(projectPath), "loops")
}

// LoopConfigPath returns the configuration file path for a loop.
func LoopConfigPath(projectPath, loopName string) string {
	return filepath.Join(LoopsDir(projectPath), loopName+".yaml")
}

// ResourcesDir returns the root of the project's resource tree.
func ResourcesDir(projectPath string) string {
	return filepath.Join(RalphxDir(projectPath), "resources")
}

// ResourceTypeDir returns the directory for one resource type.
func ResourceTypeDir(projectPath string, rt types.ResourceType) string {
	return filepath.Join(ResourcesDir(projectPath), string(rt))
}

// SettingsPath returns the optional per-loop LLM settings file.
func SettingsPath(projectPath, loopName string) string {
	return filepath.Join(RalphxDir(projectPath), "settings", loopName+".json")
}

// InputsDir returns the loop's operator-supplied inputs directory. Unlike
// the rest of the layout this lives outside .ralphx so operators can edit
// inputs without touching state.
func InputsDir(projectPath, loopName string) string {
	return filepath.Join(projectPath, loopName, "inputs")
}

// EnsureProjectLayout creates the .ralphx directory tree for a project.
func EnsureProjectLayout(projectPath string) error {
	dirs := []string{
		RalphxDir(projectPath),
		LoopsDir(projectPath),
		ResourcesDir(projectPath),
		filepath.Join(RalphxDir(projectPath), "settings"),
	}
	for _, rt := range types.ResourceTypes() {
		dirs = append(dirs, ResourceTypeDir(projectPath, rt))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// expandPath expands ~ and resolves to absolute path
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path // Return as-is if we can't get home dir
		}
		return filepath.Join(homeDir, path[2:])
	}

	// Make path absolute
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path // Return as-is if we can't make it absolute
	}
	return absPath
}
