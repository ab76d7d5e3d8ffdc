/* Copyright 2018 Comcast Cable Communications Management, LLC
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 * http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package expand

import "strings"

// EllipsisToken marks a statement whose body should be generated at
// runtime.
const EllipsisToken = "..."

// ExpandEllipsis rewrites every "..." statement in flow source text
// into the instructions that generate a flow, splice it into the
// running config table, and run it to completion.  The rewrite is
// purely textual and happens before parsing; each replacement line
// keeps the original line's leading whitespace so block structure
// survives.
//
// "..." may be followed by instruction text (typically a string
// literal) which is forwarded to the generation action.
func ExpandEllipsis(source string) string {
	lines := strings.Split(source, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, EllipsisToken) {
			out = append(out, line)
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		instructions := strings.TrimSpace(strings.TrimPrefix(trimmed, EllipsisToken))
		out = append(out, ellipsisLines(indent, instructions)...)
	}
	return strings.Join(out, "\n")
}

func ellipsisLines(indent, instructions string) []string {
	sym := gensym(8)
	flowName := "_dynamic_" + sym
	srcVar := "$_dynamic_source_" + sym
	refVar := "$_dynamic_ref_" + sym

	genArgs := `name="` + flowName + `"`
	if instructions != "" {
		genArgs += ", instructions=" + instructions
	}

	return []string{
		indent + srcVar + " = await GenerateFlowAction(" + genArgs + ")",
		indent + "await AddFlowsAction(config=" + srcVar + ")",
		indent + "start " + flowName + " as " + refVar,
		indent + "match " + refVar + ".Finished()",
	}
}
