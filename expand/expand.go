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
	"fmt"
	"strings"

	"github.com/coflow/coflow/ast"
)

// MaxPasses bounds the fixed-point iteration.  Each pass strictly
// lowers constructs, so hitting the bound means an expansion bug.
var MaxPasses = 100

// SyntaxError reports a malformed construct, with its source line
// when known.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("syntax error at line %d: %s", e.Line, e.Msg)
	}
	return "syntax error: " + e.Msg
}

// Expand rewrites the elements until only primitive elements remain.
// flowIDs names the known flow definitions; a spec whose name is a
// known flow is treated as a flow spec.
func Expand(elements []ast.Element, flowIDs map[string]bool) ([]ast.Element, error) {
	for pass := 0; pass < MaxPasses; pass++ {
		out, changed, err := expandOnce(elements, flowIDs)
		if err != nil {
			return nil, err
		}
		if !changed {
			return out, nil
		}
		elements = out
	}
	return nil, &SyntaxError{Msg: "expansion did not reach a fixed point"}
}

func expandOnce(elements []ast.Element, flowIDs map[string]bool) ([]ast.Element, bool, error) {
	out := make([]ast.Element, 0, len(elements))
	changed := false
	for _, e := range elements {
		repl, ch, err := expandElement(e, flowIDs)
		if err != nil {
			if se, is := err.(*SyntaxError); is && se.Line == 0 {
				se.Line = e.Pos().Line
			}
			return nil, false, err
		}
		changed = changed || ch
		out = append(out, repl...)
	}
	return out, changed, nil
}

func expandElement(e ast.Element, flowIDs map[string]bool) ([]ast.Element, bool, error) {
	switch vv := e.(type) {
	case *ast.SpecOp:
		return expandSpecOp(vv, flowIDs)
	case *ast.If:
		return lowerIf(vv), true, nil
	case *ast.While:
		return lowerWhile(vv), true, nil
	case *ast.When:
		return lowerWhen(vv, flowIDs)
	case *ast.Break, *ast.Continue:
		return nil, false, &SyntaxError{Msg: fmt.Sprintf("%s outside of a while loop", e.Kind())}
	default:
		// Already primitive.
		return []ast.Element{e}, false, nil
	}
}

// ResolveSpecType classifies a spec.  An explicit SpecType wins; a
// name matching a known flow is a flow; a name that looks like an
// action type (contains "Action" with no lifecycle suffix) is an
// action; everything else is an event.  A spec with a Var is a
// reference.
func ResolveSpecType(s *ast.Spec, flowIDs map[string]bool) ast.SpecType {
	if s.Var != "" {
		return ast.SpecReference
	}
	if s.SpecType != ast.SpecUnknown {
		return s.SpecType
	}
	if flowIDs[s.Name] {
		return ast.SpecFlow
	}
	if strings.Contains(s.Name, "Action") {
		for _, suffix := range []string{"Started", "Finished", "Updated"} {
			if strings.HasSuffix(s.Name, suffix) {
				return ast.SpecEvent
			}
		}
		return ast.SpecAction
	}
	return ast.SpecEvent
}

func expandSpecOp(e *ast.SpecOp, flowIDs map[string]bool) ([]ast.Element, bool, error) {
	if g, is := e.Spec.(*ast.Group); is {
		return lowerGroupOp(e, g, flowIDs)
	}
	s, is := e.Spec.(*ast.Spec)
	if !is {
		return nil, false, &SyntaxError{Msg: "spec op without a spec"}
	}
	t := ResolveSpecType(s, flowIDs)

	switch e.Op {
	case ast.OpMatch:
		if t == ast.SpecFlow {
			return nil, false, &SyntaxError{Msg: "flow '" + s.Name +
				"' cannot be matched directly; await it or match its events"}
		}
		if t == ast.SpecAction {
			return nil, false, &SyntaxError{Msg: "action '" + s.Name +
				"' cannot be matched directly; match one of its events"}
		}
		return []ast.Element{e}, false, nil

	case ast.OpSend:
		return []ast.Element{e}, false, nil

	case ast.OpStart:
		switch t {
		case ast.SpecFlow:
			return lowerStartFlow(e, s, false), true, nil
		case ast.SpecAction:
			return lowerStartAction(e, s), true, nil
		default:
			return nil, false, &SyntaxError{Msg: "'" + s.Name + "' is not startable"}
		}

	case ast.OpAwait:
		switch t {
		case ast.SpecFlow, ast.SpecAction:
			return lowerAwait(e, s), true, nil
		case ast.SpecEvent, ast.SpecReference:
			// Awaiting an event is just matching it.
			m := &ast.SpecOp{Meta: e.Meta, Op: ast.OpMatch, Spec: s, Internal: e.Internal}
			return []ast.Element{m}, true, nil
		}

	case ast.OpActivate:
		if t != ast.SpecFlow {
			return nil, false, &SyntaxError{Msg: "only flows can be activated"}
		}
		return lowerStartFlow(e, s, true), true, nil

	case ast.OpStop:
		switch t {
		case ast.SpecReference:
			send := &ast.SpecOp{
				Meta: e.Meta,
				Op:   ast.OpSend,
				Spec: &ast.Spec{
					Var:      s.Var,
					SpecType: ast.SpecReference,
					Members:  []ast.Member{{Name: "Stop"}},
				},
			}
			return []ast.Element{send}, true, nil
		case ast.SpecFlow:
			send := &ast.SpecOp{
				Meta:     e.Meta,
				Op:       ast.OpSend,
				Internal: true,
				Spec: &ast.Spec{
					Name:     "StopFlow",
					SpecType: ast.SpecEvent,
					Kwargs:   map[string]string{"flow_id": quote(s.Name)},
				},
			}
			return []ast.Element{send}, true, nil
		default:
			return nil, false, &SyntaxError{Msg: "stop needs a flow or a reference"}
		}
	}
	return nil, false, &SyntaxError{Msg: "unknown spec operation '" + string(e.Op) + "'"}
}

// lowerStartFlow generates the fresh-instance-uid assignment, the
// StartFlow send, and the FlowStarted match.  The match is internal:
// it does not count as the caller's first user-visible wait point.
func lowerStartFlow(e *ast.SpecOp, s *ast.Spec, activated bool) []ast.Element {
	tmp := "_flow_instance" + gensym(8)

	kwargs := map[string]string{
		"flow_id":           quote(s.Name),
		"flow_instance_uid": "$" + tmp,
	}
	for k, v := range s.Kwargs {
		kwargs[k] = v
	}
	for i, a := range s.Args {
		kwargs[fmt.Sprintf("_arg_%d", i)] = a
	}
	if activated {
		kwargs["activated"] = "True"
	}

	return []ast.Element{
		&ast.Assignment{Meta: e.Meta, Key: tmp, Expression: "uid()"},
		&ast.SpecOp{
			Meta:     e.Meta,
			Op:       ast.OpSend,
			Internal: true,
			Spec: &ast.Spec{
				Name:     "StartFlow",
				SpecType: ast.SpecEvent,
				Kwargs:   kwargs,
			},
		},
		&ast.SpecOp{
			Meta:     e.Meta,
			Op:       ast.OpMatch,
			Internal: true,
			Spec: &ast.Spec{
				Name:     "FlowStarted",
				SpecType: ast.SpecEvent,
				Kwargs: map[string]string{
					"flow_id":           quote(s.Name),
					"flow_instance_uid": "$" + tmp,
				},
				CaptureVar: s.CaptureVar,
			},
		},
	}
}

// lowerStartAction allocates the action instance and sends its Start
// event.
func lowerStartAction(e *ast.SpecOp, s *ast.Spec) []ast.Element {
	ref := s.CaptureVar
	if ref == "" {
		ref = "_action_ref" + gensym(8)
	}
	spec := s.Copy()
	spec.CaptureVar = ""
	spec.SpecType = ast.SpecAction
	return []ast.Element{
		&ast.NewAction{Meta: e.Meta, Var: ref, Spec: spec},
		&ast.SpecOp{
			Meta: e.Meta,
			Op:   ast.OpSend,
			Spec: &ast.Spec{
				Var:      ref,
				SpecType: ast.SpecReference,
				Members:  []ast.Member{{Name: "Start"}},
			},
		},
	}
}

// lowerAwait desugars `await X` to `start X as $ref` followed by
// `match $ref.Finished()`, propagating the return value if asked.
func lowerAwait(e *ast.SpecOp, s *ast.Spec) []ast.Element {
	ref := s.CaptureVar
	if ref == "" {
		ref = "_await_ref" + gensym(8)
	}
	startSpec := s.Copy()
	startSpec.CaptureVar = ref

	evVar := ""
	if e.ReturnVar != "" {
		evVar = "_event" + gensym(8)
	}

	acc := []ast.Element{
		&ast.SpecOp{Meta: e.Meta, Op: ast.OpStart, Spec: startSpec, Internal: e.Internal},
		&ast.SpecOp{
			Meta:     e.Meta,
			Op:       ast.OpMatch,
			Internal: e.Internal,
			Spec: &ast.Spec{
				Var:        ref,
				SpecType:   ast.SpecReference,
				Members:    []ast.Member{{Name: "Finished"}},
				CaptureVar: evVar,
			},
		},
	}
	if e.ReturnVar != "" {
		acc = append(acc, &ast.Assignment{
			Meta:       e.Meta,
			Key:        e.ReturnVar,
			Expression: "$" + evVar + ".return_value",
		})
	}
	return acc
}

// lowerGroupOp lowers a spec op applied to an element group.  The
// group is put in disjunctive normal form first.
func lowerGroupOp(e *ast.SpecOp, g *ast.Group, flowIDs map[string]bool) ([]ast.Element, bool, error) {
	norm := NormalizeGroup(g)
	alts := make([][]*ast.Spec, 0, len(norm.Items))
	for _, it := range norm.Items {
		and := it.(*ast.Group)
		row := make([]*ast.Spec, 0, len(and.Items))
		for _, s := range and.Items {
			row = append(row, s.(*ast.Spec))
		}
		alts = append(alts, row)
	}
	if len(alts) == 0 {
		return nil, false, &SyntaxError{Msg: "empty element group"}
	}

	// A single one-spec alternative degenerates to the plain op.
	if len(alts) == 1 && len(alts[0]) == 1 {
		op := &ast.SpecOp{Meta: e.Meta, Op: e.Op, Spec: alts[0][0],
			ReturnVar: e.ReturnVar, Internal: e.Internal}
		return []ast.Element{op}, true, nil
	}

	switch e.Op {
	case ast.OpSend, ast.OpActivate, ast.OpStart:
		if len(alts) > 1 {
			if e.Op != ast.OpStart {
				return nil, false, &SyntaxError{Msg: "'or' groups cannot be used with " + string(e.Op)}
			}
			return lowerDisjunction(e, alts), true, nil
		}
		// Conjunction: these ops don't block on each other, so a
		// plain sequence preserves the semantics.
		acc := make([]ast.Element, 0, len(alts[0]))
		for _, s := range alts[0] {
			acc = append(acc, &ast.SpecOp{Meta: e.Meta, Op: e.Op, Spec: s, Internal: e.Internal})
		}
		return acc, true, nil

	case ast.OpMatch, ast.OpAwait:
		if len(alts) == 1 {
			return lowerConjunction(e, alts[0]), true, nil
		}
		return lowerDisjunction(e, alts), true, nil

	default:
		return nil, false, &SyntaxError{Msg: "element groups cannot be used with " + string(e.Op)}
	}
}

// lowerConjunction forks one head per spec; the heads rendezvous at a
// WaitForHeads barrier and merge back into one.  A failing conjunct
// collapses the whole fork back onto its parent and re-raises the
// failure there, so an enclosing when/or sees exactly one failure per
// conjunction.
func lowerConjunction(e *ast.SpecOp, specs []*ast.Spec) []ast.Element {
	forkUID := "_fork" + gensym(8)
	join := newLabel("and_join")
	fail := newLabel("and_fail")

	labels := make([]string, len(specs))
	for i := range specs {
		labels[i] = newLabel(fmt.Sprintf("and_%d", i))
	}

	acc := []ast.Element{
		&ast.ForkHead{Meta: e.Meta, ForkUID: forkUID, Labels: labels},
	}
	for i, s := range specs {
		acc = append(acc,
			&ast.Label{Meta: e.Meta, Name: labels[i]},
			&ast.CatchPatternFailure{Meta: e.Meta, Label: fail},
			&ast.SpecOp{Meta: e.Meta, Op: e.Op, Spec: s, Internal: e.Internal},
			&ast.CatchPatternFailure{Meta: e.Meta},
			&ast.Goto{Meta: e.Meta, Label: join},
		)
	}
	acc = append(acc,
		&ast.Label{Meta: e.Meta, Name: fail},
		&ast.CatchPatternFailure{Meta: e.Meta},
		&ast.MergeHeads{Meta: e.Meta, ForkUID: forkUID, Force: true},
		&ast.Abort{Meta: e.Meta},
		&ast.Label{Meta: e.Meta, Name: join},
		&ast.WaitForHeads{Meta: e.Meta, Number: len(specs)},
		&ast.MergeHeads{Meta: e.Meta, ForkUID: forkUID},
	)
	return acc
}

// lowerDisjunction forks one head per alternative.  The first
// alternative to complete force-merges (discarding its siblings) and
// jumps past the construct.  A failing alternative jumps to the
// shared failure label; once every alternative has failed, the heads
// collapse and the failure propagates as a pattern failure.
func lowerDisjunction(e *ast.SpecOp, alts [][]*ast.Spec) []ast.Element {
	forkUID := "_fork" + gensym(8)
	fail := newLabel("or_fail")
	end := newLabel("or_end")

	labels := make([]string, len(alts))
	for i := range alts {
		labels[i] = newLabel(fmt.Sprintf("or_%d", i))
	}

	acc := []ast.Element{
		&ast.ForkHead{Meta: e.Meta, ForkUID: forkUID, Labels: labels},
	}
	for i, and := range alts {
		acc = append(acc,
			&ast.Label{Meta: e.Meta, Name: labels[i]},
			&ast.CatchPatternFailure{Meta: e.Meta, Label: fail},
		)
		if len(and) == 1 {
			acc = append(acc, &ast.SpecOp{Meta: e.Meta, Op: e.Op, Spec: and[0], Internal: e.Internal})
		} else {
			acc = append(acc, lowerConjunction(e, and)...)
		}
		acc = append(acc,
			&ast.CatchPatternFailure{Meta: e.Meta},
			&ast.MergeHeads{Meta: e.Meta, ForkUID: forkUID, Force: true},
			&ast.Goto{Meta: e.Meta, Label: end},
		)
	}
	acc = append(acc,
		&ast.Label{Meta: e.Meta, Name: fail},
		&ast.CatchPatternFailure{Meta: e.Meta},
		&ast.WaitForHeads{Meta: e.Meta, Number: len(alts)},
		&ast.MergeHeads{Meta: e.Meta, ForkUID: forkUID, Force: true},
		&ast.Abort{Meta: e.Meta},
		&ast.Label{Meta: e.Meta, Name: end},
	)
	return acc
}

// lowerIf rewrites the conditional to label/goto form.  Elif chains
// arrive as a nested If in Else and lower recursively on later
// passes.
func lowerIf(e *ast.If) []ast.Element {
	elseLbl := newLabel("else")
	endLbl := newLabel("if_end")

	acc := []ast.Element{
		&ast.Goto{Meta: e.Meta, Label: elseLbl, Expression: negate(e.Expression)},
	}
	acc = append(acc, e.Then...)
	acc = append(acc,
		&ast.Goto{Meta: e.Meta, Label: endLbl},
		&ast.Label{Meta: e.Meta, Name: elseLbl},
	)
	acc = append(acc, e.Else...)
	acc = append(acc, &ast.Label{Meta: e.Meta, Name: endLbl})
	return acc
}

// lowerWhile rewrites the loop to begin/end labels with a conditional
// exit and an unconditional back edge.  Break and continue inside the
// body become jumps.
func lowerWhile(e *ast.While) []ast.Element {
	begin := newLabel("while_begin")
	end := newLabel("while_end")

	body := rewriteLoopJumps(e.Body, begin, end)

	acc := []ast.Element{
		&ast.Label{Meta: e.Meta, Name: begin},
		&ast.Goto{Meta: e.Meta, Label: end, Expression: negate(e.Expression)},
	}
	acc = append(acc, body...)
	acc = append(acc,
		&ast.Goto{Meta: e.Meta, Label: begin},
		&ast.Label{Meta: e.Meta, Name: end},
	)
	return acc
}

// rewriteLoopJumps replaces break/continue with jumps to the loop's
// labels, recursing into conditionals but not into nested loops.
func rewriteLoopJumps(body []ast.Element, begin, end string) []ast.Element {
	out := make([]ast.Element, 0, len(body))
	for _, e := range body {
		switch vv := e.(type) {
		case *ast.Break:
			out = append(out, &ast.Goto{Meta: vv.Meta, Label: end})
		case *ast.Continue:
			out = append(out, &ast.Goto{Meta: vv.Meta, Label: begin})
		case *ast.If:
			c := *vv
			c.Then = rewriteLoopJumps(vv.Then, begin, end)
			c.Else = rewriteLoopJumps(vv.Else, begin, end)
			out = append(out, &c)
		case *ast.When:
			c := *vv
			c.Cases = make([]ast.WhenCase, len(vv.Cases))
			for i, wc := range vv.Cases {
				c.Cases[i] = ast.WhenCase{
					Pattern: wc.Pattern,
					Body:    rewriteLoopJumps(wc.Body, begin, end),
				}
			}
			c.Else = rewriteLoopJumps(vv.Else, begin, end)
			out = append(out, &c)
		default:
			out = append(out, e)
		}
	}
	return out
}

// lowerWhen forks one head per case.  A case whose pattern completes
// force-merges and runs its body; a case whose pattern fails jumps to
// the shared failure label.  Once every case has failed the else body
// runs (or the flow aborts).
func lowerWhen(e *ast.When, flowIDs map[string]bool) ([]ast.Element, bool, error) {
	forkUID := "_fork" + gensym(8)
	fail := newLabel("when_fail")
	end := newLabel("when_end")

	labels := make([]string, len(e.Cases))
	for i := range e.Cases {
		labels[i] = newLabel(fmt.Sprintf("when_%d", i))
	}

	acc := []ast.Element{
		&ast.ForkHead{Meta: e.Meta, ForkUID: forkUID, Labels: labels},
	}
	for i, c := range e.Cases {
		acc = append(acc,
			&ast.Label{Meta: e.Meta, Name: labels[i]},
			&ast.CatchPatternFailure{Meta: e.Meta, Label: fail},
			// Await covers every pattern kind: events degrade to
			// plain matches, flows and actions are started and
			// their completion awaited.
			&ast.SpecOp{Meta: e.Meta, Op: ast.OpAwait, Spec: c.Pattern},
			&ast.CatchPatternFailure{Meta: e.Meta},
			&ast.MergeHeads{Meta: e.Meta, ForkUID: forkUID, Force: true},
		)
		acc = append(acc, c.Body...)
		acc = append(acc, &ast.Goto{Meta: e.Meta, Label: end})
	}
	acc = append(acc,
		&ast.Label{Meta: e.Meta, Name: fail},
		&ast.CatchPatternFailure{Meta: e.Meta},
		&ast.WaitForHeads{Meta: e.Meta, Number: len(e.Cases)},
		&ast.MergeHeads{Meta: e.Meta, ForkUID: forkUID, Force: true},
	)
	if len(e.Else) > 0 {
		acc = append(acc, e.Else...)
	} else {
		acc = append(acc, &ast.Abort{Meta: e.Meta})
	}
	acc = append(acc, &ast.Label{Meta: e.Meta, Name: end})
	return acc, true, nil
}

func negate(expr string) string {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "False"
	}
	return "not (" + expr + ")"
}

func quote(s string) string {
	return `"` + s + `"`
}
