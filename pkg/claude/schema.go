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
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// compileSchema verifies a structured-output schema parses before the
// subprocess is launched, so a broken schema fails fast instead of
// burning an iteration.
func compileSchema(schema string) error {
	_, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	return err
}

// conformsToSchema validates the extracted structured output against the
// requested schema.
func conformsToSchema(schema string, output map[string]any) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewGoLoader(output),
	)
	if err != nil {
		return fmt.Errorf("failed to validate structured output: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var reasons []string
	for _, desc := range result.Errors() {
		reasons = append(reasons, desc.String())
	}
	return fmt.Errorf("structured output does not conform to schema: %s", strings.Join(reasons, "; "))
}
