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

import (
	"strings"
	"testing"
)

func TestExpandEllipsisNoop(t *testing.T) {
	src := "flow main\n  match EventA()\n  send EventB()\n"
	if got := ExpandEllipsis(src); got != src {
		t.Fatalf("rewrote source without ellipsis:\n%s", got)
	}
}

func TestExpandEllipsis(t *testing.T) {
	src := "flow main\n    ...\n    send Done()"
	got := ExpandEllipsis(src)
	if strings.Contains(got, EllipsisToken) {
		t.Fatalf("token survived:\n%s", got)
	}
	for _, want := range []string{
		"GenerateFlowAction(",
		"AddFlowsAction(config=",
		"start _dynamic_",
		".Finished()",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in:\n%s", want, got)
		}
	}

	// Every generated line keeps the original indentation.
	for _, line := range strings.Split(got, "\n") {
		if strings.Contains(line, "_dynamic_") && !strings.HasPrefix(line, "    ") {
			t.Fatalf("indentation lost: %q", line)
		}
	}
	if !strings.HasSuffix(got, "    send Done()") {
		t.Fatalf("trailing statement lost:\n%s", got)
	}
}

func TestExpandEllipsisInstructions(t *testing.T) {
	got := ExpandEllipsis("  ... \"answer the question\"")
	if !strings.Contains(got, `instructions="answer the question"`) {
		t.Fatalf("instructions not forwarded:\n%s", got)
	}
}
