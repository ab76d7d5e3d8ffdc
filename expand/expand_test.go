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

	"github.com/coflow/coflow/ast"
)

var testFlows = map[string]bool{
	"greeting":  true,
	"main":      true,
	"bot greet": true,
}

func kinds(elements []ast.Element) []ast.Kind {
	acc := make([]ast.Kind, 0, len(elements))
	for _, e := range elements {
		acc = append(acc, e.Kind())
	}
	return acc
}

func countKind(elements []ast.Element, k ast.Kind) int {
	n := 0
	for _, e := range elements {
		if e.Kind() == k {
			n++
		}
	}
	return n
}

func mustExpand(t *testing.T, in []ast.Element) []ast.Element {
	t.Helper()
	out, err := Expand(in, testFlows)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestExpandFixedPoint(t *testing.T) {
	in := []ast.Element{
		&ast.If{
			Expression: "$x > 1",
			Then:       []ast.Element{&ast.Log{Expression: `"big"`}},
			Else:       []ast.Element{&ast.Log{Expression: `"small"`}},
		},
	}
	out := mustExpand(t, in)
	again, err := Expand(out, testFlows)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != len(out) {
		t.Fatalf("not a fixed point: %v vs %v", kinds(out), kinds(again))
	}
	for i := range out {
		if out[i].Kind() != again[i].Kind() {
			t.Fatalf("element %d changed kind: %v -> %v", i, out[i].Kind(), again[i].Kind())
		}
	}
}

func TestExpandIf(t *testing.T) {
	out := mustExpand(t, []ast.Element{
		&ast.If{
			Expression: "$ok",
			Then:       []ast.Element{&ast.Print{Expression: `"yes"`}},
			Else:       []ast.Element{&ast.Print{Expression: `"no"`}},
		},
	})
	if got := countKind(out, ast.KindGoto); got != 2 {
		t.Fatalf("want 2 gotos, got %d: %v", got, kinds(out))
	}
	if got := countKind(out, ast.KindLabel); got != 2 {
		t.Fatalf("want 2 labels, got %d: %v", got, kinds(out))
	}
	first := out[0].(*ast.Goto)
	if first.Expression != "not ($ok)" {
		t.Fatalf("branch condition: %q", first.Expression)
	}
}

func TestExpandWhileBreakContinue(t *testing.T) {
	out := mustExpand(t, []ast.Element{
		&ast.While{
			Expression: "$i < 3",
			Body: []ast.Element{
				&ast.If{Expression: "$stop", Then: []ast.Element{&ast.Break{}}},
				&ast.Continue{},
			},
		},
	})
	if countKind(out, ast.KindBreak) != 0 || countKind(out, ast.KindContinue) != 0 {
		t.Fatalf("loop jumps survived: %v", kinds(out))
	}

	// Find the loop labels and check the jumps target them.
	var begin, end string
	for _, e := range out {
		if l, is := e.(*ast.Label); is {
			if strings.Contains(l.Name, "while_begin") {
				begin = l.Name
			}
			if strings.Contains(l.Name, "while_end") {
				end = l.Name
			}
		}
	}
	if begin == "" || end == "" {
		t.Fatalf("missing loop labels: %v", kinds(out))
	}
	toBegin, toEnd := 0, 0
	for _, e := range out {
		if g, is := e.(*ast.Goto); is {
			if g.Label == begin {
				toBegin++
			}
			if g.Label == end {
				toEnd++
			}
		}
	}
	// Back edge plus the rewritten continue; exit test plus the
	// rewritten break.
	if toBegin != 2 || toEnd != 2 {
		t.Fatalf("goto begin=%d end=%d", toBegin, toEnd)
	}
}

func TestExpandBreakOutsideLoop(t *testing.T) {
	_, err := Expand([]ast.Element{&ast.Break{}}, testFlows)
	if err == nil {
		t.Fatal("expected error")
	}
	if _, is := err.(*SyntaxError); !is {
		t.Fatalf("unexpected error type: %T", err)
	}
}

func TestExpandStartFlow(t *testing.T) {
	out := mustExpand(t, []ast.Element{
		&ast.SpecOp{Op: ast.OpStart, Spec: &ast.Spec{Name: "greeting"}},
	})
	if len(out) != 3 {
		t.Fatalf("got %v", kinds(out))
	}
	if _, is := out[0].(*ast.Assignment); !is {
		t.Fatalf("first element: %v", out[0].Kind())
	}
	send := out[1].(*ast.SpecOp)
	if send.Op != ast.OpSend || !send.Internal {
		t.Fatalf("send: %+v", send)
	}
	if s := send.Spec.(*ast.Spec); s.Name != "StartFlow" || s.Kwargs["flow_id"] != `"greeting"` {
		t.Fatalf("send spec: %+v", s)
	}
	match := out[2].(*ast.SpecOp)
	if match.Op != ast.OpMatch || !match.Internal {
		t.Fatalf("match: %+v", match)
	}
	if s := match.Spec.(*ast.Spec); s.Name != "FlowStarted" {
		t.Fatalf("match spec: %+v", s)
	}
}

func TestExpandStartFlowPositionalArgs(t *testing.T) {
	out := mustExpand(t, []ast.Element{
		&ast.SpecOp{Op: ast.OpStart, Spec: &ast.Spec{Name: "greeting", Args: []string{`"hi"`, "$x"}}},
	})
	s := out[1].(*ast.SpecOp).Spec.(*ast.Spec)
	if s.Kwargs["_arg_0"] != `"hi"` || s.Kwargs["_arg_1"] != "$x" {
		t.Fatalf("positional kwargs: %+v", s.Kwargs)
	}
}

func TestExpandActivate(t *testing.T) {
	out := mustExpand(t, []ast.Element{
		&ast.SpecOp{Op: ast.OpActivate, Spec: &ast.Spec{Name: "greeting"}},
	})
	s := out[1].(*ast.SpecOp).Spec.(*ast.Spec)
	if s.Kwargs["activated"] != "True" {
		t.Fatalf("kwargs: %+v", s.Kwargs)
	}
}

func TestExpandStartAction(t *testing.T) {
	out := mustExpand(t, []ast.Element{
		&ast.SpecOp{Op: ast.OpStart, Spec: &ast.Spec{Name: "UtteranceBotAction", CaptureVar: "ref"}},
	})
	if len(out) != 2 {
		t.Fatalf("got %v", kinds(out))
	}
	na := out[0].(*ast.NewAction)
	if na.Var != "ref" || na.Spec.Name != "UtteranceBotAction" {
		t.Fatalf("new action: %+v", na)
	}
	send := out[1].(*ast.SpecOp)
	s := send.Spec.(*ast.Spec)
	if send.Op != ast.OpSend || s.Var != "ref" || len(s.Members) != 1 || s.Members[0].Name != "Start" {
		t.Fatalf("send: %+v", s)
	}
}

func TestExpandAwaitActionReturn(t *testing.T) {
	out := mustExpand(t, []ast.Element{
		&ast.SpecOp{Op: ast.OpAwait, Spec: &ast.Spec{Name: "MathAction"}, ReturnVar: "result"},
	})
	last := out[len(out)-1].(*ast.Assignment)
	if last.Key != "result" || !strings.HasSuffix(last.Expression, ".return_value") {
		t.Fatalf("return assignment: %+v", last)
	}
	// The Finished match must come right before the assignment.
	match := out[len(out)-2].(*ast.SpecOp)
	s := match.Spec.(*ast.Spec)
	if match.Op != ast.OpMatch || len(s.Members) != 1 || s.Members[0].Name != "Finished" {
		t.Fatalf("finish match: %+v", s)
	}
}

func TestExpandAwaitEvent(t *testing.T) {
	out := mustExpand(t, []ast.Element{
		&ast.SpecOp{Op: ast.OpAwait, Spec: &ast.Spec{Name: "UtteranceUserActionFinished"}},
	})
	if len(out) != 1 {
		t.Fatalf("got %v", kinds(out))
	}
	if op := out[0].(*ast.SpecOp); op.Op != ast.OpMatch {
		t.Fatalf("got %+v", op)
	}
}

func TestExpandMatchFlowRejected(t *testing.T) {
	_, err := Expand([]ast.Element{
		&ast.SpecOp{Meta: ast.Meta{Line: 7}, Op: ast.OpMatch, Spec: &ast.Spec{Name: "greeting"}},
	}, testFlows)
	se, is := err.(*SyntaxError)
	if !is {
		t.Fatalf("unexpected error: %v", err)
	}
	if se.Line != 7 {
		t.Fatalf("line: %d", se.Line)
	}
}

func TestExpandStopReference(t *testing.T) {
	out := mustExpand(t, []ast.Element{
		&ast.SpecOp{Op: ast.OpStop, Spec: &ast.Spec{Var: "ref", SpecType: ast.SpecReference}},
	})
	s := out[0].(*ast.SpecOp).Spec.(*ast.Spec)
	if s.Var != "ref" || len(s.Members) != 1 || s.Members[0].Name != "Stop" {
		t.Fatalf("stop send: %+v", s)
	}
}

func TestExpandStopFlow(t *testing.T) {
	out := mustExpand(t, []ast.Element{
		&ast.SpecOp{Op: ast.OpStop, Spec: &ast.Spec{Name: "greeting"}},
	})
	op := out[0].(*ast.SpecOp)
	s := op.Spec.(*ast.Spec)
	if !op.Internal || s.Name != "StopFlow" || s.Kwargs["flow_id"] != `"greeting"` {
		t.Fatalf("stop send: %+v", s)
	}
}

func TestExpandMatchOrGroup(t *testing.T) {
	out := mustExpand(t, []ast.Element{
		&ast.SpecOp{
			Op: ast.OpMatch,
			Spec: &ast.Group{GroupOp: ast.GroupOr, Items: []ast.SpecExpr{
				&ast.Spec{Name: "EventA"},
				&ast.Spec{Name: "EventB"},
			}},
		},
	})
	fork := out[0].(*ast.ForkHead)
	if len(fork.Labels) != 2 {
		t.Fatalf("fork labels: %v", fork.Labels)
	}
	forced := 0
	for _, e := range out {
		if m, is := e.(*ast.MergeHeads); is && m.Force {
			forced++
		}
	}
	// One force merge per alternative plus the failure path.
	if forced != 3 {
		t.Fatalf("forced merges: %d in %v", forced, kinds(out))
	}
	if countKind(out, ast.KindAbort) != 1 {
		t.Fatalf("want failure abort: %v", kinds(out))
	}
}

func TestExpandMatchAndGroup(t *testing.T) {
	out := mustExpand(t, []ast.Element{
		&ast.SpecOp{
			Op: ast.OpMatch,
			Spec: &ast.Group{GroupOp: ast.GroupAnd, Items: []ast.SpecExpr{
				&ast.Spec{Name: "EventA"},
				&ast.Spec{Name: "EventB"},
			}},
		},
	})
	if countKind(out, ast.KindForkHead) != 1 {
		t.Fatalf("got %v", kinds(out))
	}
	var wait *ast.WaitForHeads
	for _, e := range out {
		if w, is := e.(*ast.WaitForHeads); is {
			wait = w
		}
	}
	if wait == nil || wait.Number != 2 {
		t.Fatalf("barrier: %+v", wait)
	}
	if countKind(out, ast.KindSpecOp) != 2 {
		t.Fatalf("got %v", kinds(out))
	}

	// A failing conjunct collapses the fork and re-raises the failure
	// on the parent: one forced merge followed by an abort.
	forkUID := out[0].(*ast.ForkHead).ForkUID
	forced := -1
	for i, e := range out {
		if m, is := e.(*ast.MergeHeads); is && m.Force {
			if m.ForkUID != forkUID {
				t.Fatalf("forced merge targets fork %q, want %q", m.ForkUID, forkUID)
			}
			forced = i
		}
	}
	if forced < 0 {
		t.Fatalf("no forced merge on the failure path: %v", kinds(out))
	}
	if _, is := out[forced+1].(*ast.Abort); !is {
		t.Fatalf("forced merge not followed by abort: %v", kinds(out))
	}
	if countKind(out, ast.KindAbort) != 1 {
		t.Fatalf("got %v", kinds(out))
	}
}

func TestExpandSendOrGroupRejected(t *testing.T) {
	_, err := Expand([]ast.Element{
		&ast.SpecOp{
			Op: ast.OpSend,
			Spec: &ast.Group{GroupOp: ast.GroupOr, Items: []ast.SpecExpr{
				&ast.Spec{Name: "EventA"},
				&ast.Spec{Name: "EventB"},
			}},
		},
	}, testFlows)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestExpandWhen(t *testing.T) {
	out := mustExpand(t, []ast.Element{
		&ast.When{
			Cases: []ast.WhenCase{
				{Pattern: &ast.Spec{Name: "EventA"}, Body: []ast.Element{&ast.Log{Expression: `"a"`}}},
				{Pattern: &ast.Spec{Name: "EventB"}, Body: []ast.Element{&ast.Log{Expression: `"b"`}}},
			},
		},
	})
	fork := out[0].(*ast.ForkHead)
	if len(fork.Labels) != 2 {
		t.Fatalf("fork labels: %v", fork.Labels)
	}
	// No else: the shared failure path aborts.
	if countKind(out, ast.KindAbort) != 1 {
		t.Fatalf("got %v", kinds(out))
	}
	if countKind(out, ast.KindLog) != 2 {
		t.Fatalf("case bodies missing: %v", kinds(out))
	}
}

func TestExpandWhenElse(t *testing.T) {
	out := mustExpand(t, []ast.Element{
		&ast.When{
			Cases: []ast.WhenCase{
				{Pattern: &ast.Spec{Name: "EventA"}},
			},
			Else: []ast.Element{&ast.Log{Expression: `"fallback"`}},
		},
	})
	if countKind(out, ast.KindAbort) != 0 {
		t.Fatalf("else should replace the abort: %v", kinds(out))
	}
	if countKind(out, ast.KindLog) != 1 {
		t.Fatalf("else body missing: %v", kinds(out))
	}
}

func TestResolveSpecType(t *testing.T) {
	for _, c := range []struct {
		spec *ast.Spec
		want ast.SpecType
	}{
		{&ast.Spec{Name: "greeting"}, ast.SpecFlow},
		{&ast.Spec{Name: "UtteranceBotAction"}, ast.SpecAction},
		{&ast.Spec{Name: "UtteranceBotActionFinished"}, ast.SpecEvent},
		{&ast.Spec{Name: "CustomEvent"}, ast.SpecEvent},
		{&ast.Spec{Var: "ref"}, ast.SpecReference},
		{&ast.Spec{Name: "whatever", SpecType: ast.SpecAction}, ast.SpecAction},
	} {
		if got := ResolveSpecType(c.spec, testFlows); got != c.want {
			t.Errorf("%+v: got %v, want %v", c.spec, got, c.want)
		}
	}
}
