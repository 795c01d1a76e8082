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

package prompt

import (
	"fmt"
	"strings"
	"time"
)

// zeroWidthSpace breaks brace pairs in substitution values.
const zeroWidthSpace = "​"

// escapeBraces defuses template syntax inside a substitution value by
// inserting a zero-width space between adjacent braces. A value containing
// {{other_var}} survives later substitution passes as inert text.
func escapeBraces(s string) string {
	s = strings.ReplaceAll(s, "{{", "{"+zeroWidthSpace+"{")
	s = strings.ReplaceAll(s, "}}", "}"+zeroWidthSpace+"}")
	return s
}

// TrackingMarker renders the HTML comment appended to every prompt so
// session logs can be traced back to the run that produced them. Values
// are sanitized so they cannot close the comment early.
func TrackingMarker(runID, project string, iteration int, mode string, ts time.Time) string {
	return fmt.Sprintf(`<!-- RALPHX_TRACKING run_id="%s" project="%s" iteration=%d mode="%s" ts="%s" -->`,
		sanitizeMarkerValue(runID),
		sanitizeMarkerValue(project),
		iteration,
		sanitizeMarkerValue(mode),
		sanitizeMarkerValue(ts.UTC().Format(time.RFC3339)))
}

// sanitizeMarkerValue strips the sequences that could terminate the
// marker comment or its quoted fields. Removing every "--" pair also
// removes any chance of a surviving pair forming after the pass: a
// leftover dash is never adjacent to another leftover dash.
func sanitizeMarkerValue(v string) string {
	v = strings.ReplaceAll(v, "--", "")
	v = strings.ReplaceAll(v, `"`, "")
	return v
}
