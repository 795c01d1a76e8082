// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Project is one entry in the operator-facing project catalog. The catalog
// is owned by the companion tooling that creates projects; the core only
// reads it.
type Project struct {
	ID            string `yaml:"id"`
	Path          string `yaml:"path"`
	DesignDocPath string `yaml:"design_doc_path,omitempty"`
}

type projectCatalog struct {
	Projects []Project `yaml:"projects"`
}

// LoadProjectCatalog reads the project catalog from the global data
// directory. A missing catalog is an empty catalog, not an error.
func LoadProjectCatalog() ([]Project, error) {
	data, err := os.ReadFile(ProjectCatalogPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read project catalog: %w", err)
	}

	var catalog projectCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse project catalog: %w", err)
	}
	return catalog.Projects, nil
}

// FindProject looks a project up by ID or path.
func FindProject(idOrPath string) (*Project, error) {
	projects, err := LoadProjectCatalog()
	if err != nil {
		return nil, err
	}
	for i := range projects {
		if projects[i].ID == idOrPath || projects[i].Path == idOrPath {
			return &projects[i], nil
		}
	}
	return nil, fmt.Errorf("project %q not found in catalog", idOrPath)
}
