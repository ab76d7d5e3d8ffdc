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

package machine

import (
	"fmt"

	"github.com/coflow/coflow/ast"
	"github.com/coflow/coflow/eval"
	"github.com/coflow/coflow/flows"
)

// fuzzyPenalty shrinks the score for every key the actual event
// carries beyond what the pattern asked for.
const fuzzyPenalty = 0.9

// mismatchScore marks a hard semantic mismatch, as opposed to a mere
// non-match (0.0).
const mismatchScore = -1.0

// ignoredArgKeys never participate in matching.
var ignoredArgKeys = map[string]bool{
	flows.ArgReturnValue:           true,
	flows.ArgActivated:             true,
	flows.ArgSourceFlowInstanceUID: true,
}

// internalEventNames are the runtime's own lifecycle/bookkeeping
// events.
var internalEventNames = map[string]bool{
	flows.EventStartFlow:      true,
	flows.EventFlowStarted:    true,
	flows.EventFlowFinished:   true,
	flows.EventFlowFailed:     true,
	flows.EventStopFlow:       true,
	flows.EventFinishFlow:     true,
	flows.EventUnhandledEvent: true,
	flows.EventColangError:    true,
	flows.EventDebugLog:       true,
	flows.EventInfoLog:        true,
	flows.EventWarningLog:     true,
	flows.EventErrorLog:       true,
}

// eventPattern is what a head parked on a match instruction is
// waiting for.
type eventPattern struct {
	Name string
	Args map[string]interface{}

	// CaptureVar binds the matched event (or flow reference) into
	// the flow's context.
	CaptureVar string

	// FlowRef is set when the pattern came from a flow reference, so
	// a capture binds the reference rather than the raw event.
	FlowRef *flows.FlowRef
}

func (p *eventPattern) internal() bool { return internalEventNames[p.Name] }

// buildPattern evaluates a match spec against the flow's context.
func (r *Runtime) buildPattern(fs *flows.FlowState, s *ast.Spec) (*eventPattern, error) {
	ctx := r.evalContext(fs)

	p := &eventPattern{Args: map[string]interface{}{}, CaptureVar: s.CaptureVar}

	if s.Var != "" {
		if len(s.Members) != 1 {
			return nil, fmt.Errorf("reference match needs exactly one member")
		}
		member := s.Members[0]
		ref, have := fs.Context[s.Var]
		if !have {
			ref, have = r.state.GlobalContext[s.Var]
		}
		if !have {
			return nil, fmt.Errorf("unknown reference '$%s'", s.Var)
		}
		switch v := ref.(type) {
		case flows.ActionRef:
			a, have := r.state.Actions[v.ActionUID]
			if !have {
				return nil, fmt.Errorf("reference '$%s' names a dead action", s.Var)
			}
			p.Name = a.EventName(member.Name)
			p.Args[flows.ArgActionUID] = a.UID
		case flows.FlowRef:
			p.Name = "Flow" + member.Name
			p.Args[flows.ArgFlowID] = v.FlowID
			p.Args[flows.ArgFlowInstanceUID] = v.FlowStateUID
			fr := v
			p.FlowRef = &fr
		default:
			return nil, fmt.Errorf("reference '$%s' is not matchable", s.Var)
		}
		for k, expr := range member.Kwargs {
			v, err := r.ev.Eval(expr, ctx)
			if err != nil {
				return nil, err
			}
			p.Args[k] = v
		}
		return p, nil
	}

	p.Name = s.Name
	for k, expr := range s.Kwargs {
		v, err := r.ev.Eval(expr, ctx)
		if err != nil {
			return nil, err
		}
		p.Args[k] = v
	}
	for i, expr := range s.Args {
		v, err := r.ev.Eval(expr, ctx)
		if err != nil {
			return nil, err
		}
		p.Args[fmt.Sprintf("_arg_%d", i)] = v
	}
	return p, nil
}

// waitEventName is the event name a head parked on the given match
// spec should be indexed under.
func (r *Runtime) waitEventName(fs *flows.FlowState, s *ast.Spec) (string, error) {
	if s.Var == "" {
		return s.Name, nil
	}
	p, err := r.buildPattern(fs, s)
	if err != nil {
		return "", err
	}
	return p.Name, nil
}

// score compares an event against a pattern.  Positive means match
// (higher is more specific), zero means irrelevant, negative means a
// hard mismatch that fails the waiting head.
func (r *Runtime) score(fs *flows.FlowState, p *eventPattern, e flows.Event) float64 {
	if p.internal() != (e.Kind == flows.EventInternal) {
		return 0.0
	}

	if p.Name != e.Name {
		return r.lifecycleMismatch(p, e)
	}

	// Lifecycle events bind to one flow definition: the flow id must
	// be exact.
	if p.internal() {
		if want, have := p.Args[flows.ArgFlowID]; have {
			if want != e.Arguments[flows.ArgFlowID] {
				return 0.0
			}
		}
	}

	s := compareDicts(p.Args, e.Arguments)
	if s <= 0 {
		return s
	}
	return s * fs.Priority
}

// lifecycleMismatch detects hard negatives between the flow lifecycle
// events: waiting for a finish but seeing the same instance fail (or
// vice versa), or seeing a flow complete while still waiting for it
// to start.
func (r *Runtime) lifecycleMismatch(p *eventPattern, e flows.Event) float64 {
	siblings := map[string]bool{
		flows.EventFlowStarted:  true,
		flows.EventFlowFinished: true,
		flows.EventFlowFailed:   true,
	}
	if !siblings[p.Name] || !siblings[e.Name] {
		return 0.0
	}
	wantUID, _ := p.Args[flows.ArgFlowInstanceUID].(string)
	gotUID := e.StrArg(flows.ArgFlowInstanceUID)
	if wantUID == "" || wantUID != gotUID {
		return 0.0
	}
	switch {
	case p.Name == flows.EventFlowFinished && e.Name == flows.EventFlowFailed,
		p.Name == flows.EventFlowFailed && e.Name == flows.EventFlowFinished:
		return mismatchScore
	case p.Name == flows.EventFlowStarted:
		// The instance completed without this head ever seeing it
		// start.
		return mismatchScore
	}
	return 0.0
}

// compareDicts does the fuzzy reference-vs-actual comparison: every
// reference key must be present and match; extra actual keys are
// tolerated with a geometric penalty.
func compareDicts(ref, actual map[string]interface{}) float64 {
	score := 1.0
	refCount := 0
	for k, want := range ref {
		if ignoredArgKeys[k] {
			continue
		}
		refCount++
		got, have := actual[k]
		if !have {
			return 0.0
		}
		s := compareValues(want, got)
		if s <= 0 {
			return s
		}
		score *= s
	}
	actualCount := 0
	for k := range actual {
		if !ignoredArgKeys[k] {
			actualCount++
		}
	}
	for extra := actualCount - refCount; extra > 0; extra-- {
		score *= fuzzyPenalty
	}
	return score
}

func compareValues(want, got interface{}) float64 {
	switch w := want.(type) {
	case *eval.Regex:
		if w.Search(eval.Stringify(got)) {
			return 1.0
		}
		return 0.0
	case *eval.Comparison:
		if w.Matches(got) {
			return 1.0
		}
		return 0.0
	case map[string]interface{}:
		g, is := got.(map[string]interface{})
		if !is {
			return 0.0
		}
		return compareDicts(w, g)
	case []interface{}:
		g, is := got.([]interface{})
		if !is {
			return 0.0
		}
		return compareLists(w, g)
	case nil:
		if got == nil {
			return 1.0
		}
		return 0.0
	default:
		if fw, isW := asFloat(want); isW {
			if fg, isG := asFloat(got); isG {
				if fw == fg {
					return 1.0
				}
				return 0.0
			}
			return 0.0
		}
		if want == got {
			return 1.0
		}
		return 0.0
	}
}

// compareLists matches reference items against actual items in order,
// penalizing unmatched extras on the actual side.
func compareLists(ref, actual []interface{}) float64 {
	if len(ref) > len(actual) {
		return 0.0
	}
	score := 1.0
	j := 0
	for _, want := range ref {
		found := false
		for ; j < len(actual); j++ {
			if s := compareValues(want, actual[j]); s > 0 {
				score *= s
				j++
				found = true
				break
			}
		}
		if !found {
			return 0.0
		}
	}
	for extra := len(actual) - len(ref); extra > 0; extra-- {
		score *= fuzzyPenalty
	}
	return score
}

func asFloat(x interface{}) (float64, bool) {
	switch v := x.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
