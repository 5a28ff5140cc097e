// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Gamelink Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"sort"
	"strings"
)

// supportedSchemaKeywords is the JSON-Schema subset the constrained
// decoder can enforce. Anything else is filtered out before
// generation; the output is then valid but less constrained.
var supportedSchemaKeywords = map[string]bool{
	"type":                 true,
	"enum":                 true,
	"const":                true,
	"properties":           true,
	"required":             true,
	"additionalProperties": true,
	"items":                true,
	"minItems":             true,
	"maxItems":             true,
	"minimum":              true,
	"maximum":              true,
	"exclusiveMinimum":     true,
	"exclusiveMaximum":     true,
	"multipleOf":           true,
	"pattern":              true,
	"format":               true,
	"oneOf":                true,
	"anyOf":                true,
	"allOf":                true,
	"$ref":                 true,
	"$defs":                true,
	"definitions":          true,
	// Annotations are harmless for decoding and useful in prompts.
	"title":       true,
	"description": true,
	"default":     true,
	"$schema":     true,
}

// supportedFormats are the "format" values the decoder enforces.
// Other formats are filtered like unsupported keywords.
var supportedFormats = map[string]bool{
	"date-time": true,
}

// FilterSchema returns a deep copy of schema with unsupported keywords
// removed, along with the sorted list of removed keywords.
func FilterSchema(schema map[string]any) (map[string]any, []string) {
	removed := map[string]bool{}
	filtered := filterSchemaMap(schema, removed)

	names := make([]string, 0, len(removed))
	for name := range removed {
		names = append(names, name)
	}
	sort.Strings(names)
	return filtered, names
}

func filterSchemaMap(schema map[string]any, removed map[string]bool) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for key, value := range schema {
		if !supportedSchemaKeywords[key] {
			removed[key] = true
			continue
		}
		switch key {
		case "format":
			if format, ok := value.(string); ok && !supportedFormats[format] {
				removed["format:"+format] = true
				continue
			}
			out[key] = value
		case "properties", "$defs", "definitions":
			if props, ok := value.(map[string]any); ok {
				sub := make(map[string]any, len(props))
				for name, prop := range props {
					if propMap, ok := prop.(map[string]any); ok {
						sub[name] = filterSchemaMap(propMap, removed)
					} else {
						sub[name] = prop
					}
				}
				out[key] = sub
			} else {
				out[key] = value
			}
		case "items", "additionalProperties":
			if sub, ok := value.(map[string]any); ok {
				out[key] = filterSchemaMap(sub, removed)
			} else {
				out[key] = value
			}
		case "oneOf", "anyOf", "allOf":
			if branches, ok := value.([]any); ok {
				sub := make([]any, 0, len(branches))
				for _, branch := range branches {
					if branchMap, ok := branch.(map[string]any); ok {
						sub = append(sub, filterSchemaMap(branchMap, removed))
					} else {
						sub = append(sub, branch)
					}
				}
				out[key] = sub
			} else {
				out[key] = value
			}
		default:
			out[key] = value
		}
	}
	return out
}

// schemaTypeOf returns the declared type of a schema node, resolving
// only the common single-string form.
func schemaTypeOf(schema map[string]any) string {
	if t, ok := schema["type"].(string); ok {
		return strings.ToLower(t)
	}
	return ""
}
