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

	"go.uber.org/zap"

	"github.com/coflow/coflow/ast"
	"github.com/coflow/coflow/flows"
)

// advanceHead executes consecutive non-blocking elements under the
// head until it parks: at a match (waiting for an event), a merge
// needing siblings, a WaitForHeads barrier, an actionable send
// (resolved in the conflict phase), or the end of the flow.
//
// Element failures do not propagate: they surface as an internal
// ColangError event and abort the flow.
func (r *Runtime) advanceHead(fs *flows.FlowState, h *flows.FlowHead) {
	r.state.ClearWaitingHead(h)

	for h.Status == flows.HeadActive && !fs.Done() {
		e := r.element(fs, h)
		if e == nil {
			r.maybeFlowStarted(fs, h)
			r.finishFlow(fs, h, nil)
			return
		}

		blocked, err := r.execElement(fs, h, e)
		if err != nil {
			r.raiseError(fs, h, err)
			return
		}
		if blocked {
			return
		}
	}
}

// execElement runs one element.  It reports whether the head is now
// parked; on false the head has already moved to its next position.
func (r *Runtime) execElement(fs *flows.FlowState, h *flows.FlowHead, e ast.Element) (bool, error) {
	switch vv := e.(type) {
	case *ast.SpecOp:
		return r.execSpecOp(fs, h, vv)

	case *ast.Assignment:
		v, err := r.ev.Eval(vv.Expression, r.evalContext(fs))
		if err != nil {
			return false, err
		}
		r.setVar(fs, vv.Key, v)
		h.Position++
		return false, nil

	case *ast.Label:
		h.Position++
		return false, nil

	case *ast.Goto:
		take, err := r.ev.EvalBool(vv.Expression, r.evalContext(fs))
		if err != nil {
			return false, err
		}
		if !take {
			h.Position++
			return false, nil
		}
		pos, have := r.config(fs).LabelIndex(vv.Label)
		if !have {
			return false, fmt.Errorf("unknown label '%s'", vv.Label)
		}
		h.Position = pos
		return false, nil

	case *ast.ForkHead:
		return true, r.execFork(fs, h, vv)

	case *ast.MergeHeads:
		if vv.Force {
			return true, r.forceMerge(fs, h, vv)
		}
		h.Status = flows.HeadMerging
		r.state.ClearWaitingHead(h)
		return true, nil

	case *ast.WaitForHeads:
		// Parked; the barrier resolves once enough siblings arrive.
		return true, nil

	case *ast.CatchPatternFailure:
		h.PushCatch(vv.Label)
		h.Position++
		return false, nil

	case *ast.BeginScope:
		fs.Scope(vv.Name)
		h.ScopeUIDs = append(h.ScopeUIDs, vv.Name)
		h.Position++
		return false, nil

	case *ast.EndScope:
		r.closeScope(fs, h, vv.Name)
		h.Position++
		return false, nil

	case *ast.NewAction:
		if err := r.execNewAction(fs, h, vv); err != nil {
			return false, err
		}
		h.Position++
		return false, nil

	case *ast.Return:
		var ret interface{}
		if vv.Expression != "" {
			v, err := r.ev.Eval(vv.Expression, r.evalContext(fs))
			if err != nil {
				return false, err
			}
			ret = v
		}
		r.maybeFlowStarted(fs, h)
		r.finishFlow(fs, h, ret)
		return true, nil

	case *ast.Abort:
		// An abort is a pattern failure: an installed catch (an
		// enclosing when/or failure label) handles it, and only a
		// flow with none left fails outright.
		r.patternFailure(fs, h, "abort")
		return true, nil

	case *ast.Priority:
		v, err := r.ev.Eval(vv.Expression, r.evalContext(fs))
		if err != nil {
			return false, err
		}
		p, is := asFloat(v)
		if !is {
			return false, fmt.Errorf("priority must be a number, got %T", v)
		}
		fs.Priority = p
		h.Position++
		return false, nil

	case *ast.Global:
		fs.GlobalNames[vv.Name] = true
		h.Position++
		return false, nil

	case *ast.Log:
		v, err := r.ev.Eval(vv.Expression, r.evalContext(fs))
		if err != nil {
			return false, err
		}
		r.pushInternal(fs, h, flows.EventInfoLog, map[string]interface{}{
			"message": v,
		})
		h.Position++
		return false, nil

	case *ast.Print:
		v, err := r.ev.Eval(vv.Expression, r.evalContext(fs))
		if err != nil {
			return false, err
		}
		r.log.Info("flow print",
			zap.String("flow_id", fs.FlowID),
			zap.Any("value", v))
		h.Position++
		return false, nil

	default:
		return false, fmt.Errorf("unexpected %v element at runtime", e.Kind())
	}
}

func (r *Runtime) execSpecOp(fs *flows.FlowState, h *flows.FlowHead, op *ast.SpecOp) (bool, error) {
	switch op.Op {
	case ast.OpMatch:
		s, is := op.Spec.(*ast.Spec)
		if !is {
			return false, fmt.Errorf("unexpanded group match at runtime")
		}
		name, err := r.waitEventName(fs, s)
		if err != nil {
			return false, err
		}
		if !op.Internal {
			r.maybeFlowStarted(fs, h)
		}
		r.state.SetWaitingHead(h, name)
		return true, nil

	case ast.OpSend:
		s, is := op.Spec.(*ast.Spec)
		if !is {
			return false, fmt.Errorf("unexpanded group send at runtime")
		}
		if r.internalSend(op, s) {
			args, err := r.evalSpecArgs(fs, s)
			if err != nil {
				return false, err
			}
			r.pushInternal(fs, h, s.Name, args)
			h.Position++
			return false, nil
		}
		// Actionable: the head parks here until the conflict phase
		// decides whether this send wins its round.
		r.maybeFlowStarted(fs, h)
		return true, nil

	default:
		return false, fmt.Errorf("unexpanded %s at runtime", op.Op)
	}
}

// internalSend reports whether a send produces an internal event
// (immediate, no conflict resolution) rather than an outgoing one.
func (r *Runtime) internalSend(op *ast.SpecOp, s *ast.Spec) bool {
	if s.Var != "" {
		return false
	}
	return op.Internal || internalEventNames[s.Name]
}

func (r *Runtime) execFork(fs *flows.FlowState, h *flows.FlowHead, fork *ast.ForkHead) error {
	cfg := r.config(fs)
	children := make([]*flows.FlowHead, 0, len(fork.Labels))
	for _, label := range fork.Labels {
		pos, have := cfg.LabelIndex(label)
		if !have {
			return fmt.Errorf("fork to unknown label '%s'", label)
		}
		child := h.Fork(fork.ForkUID, pos)
		fs.Heads[child.UID] = child
		children = append(children, child)
	}
	h.Status = flows.HeadInactive
	r.state.ClearWaitingHead(h)

	for _, child := range children {
		if _, live := fs.Heads[child.UID]; live && !fs.Done() {
			r.advanceHead(fs, child)
		}
	}
	return nil
}

// forceMerge resolves a merge in favor of the first head to arrive:
// the fork parent adopts this head's position and bookkeeping and
// every sibling head tree is discarded.
func (r *Runtime) forceMerge(fs *flows.FlowState, h *flows.FlowHead, merge *ast.MergeHeads) error {
	parent := r.forkParent(fs, h, merge.ForkUID)
	if parent == nil {
		// Degenerate fork; just step over the merge.
		h.Position++
		r.advanceHead(fs, h)
		return nil
	}
	r.adoptMergeWinner(fs, parent, h)
	r.advanceHead(fs, parent)
	return nil
}

// forkParent resolves the head a merge reunifies into: the parent of
// the ancestor that the named fork created.  A merging head is not
// necessarily a direct child of that fork's parent (it may sit inside
// a nested fork), so the lookup walks up the head tree by fork uid.
func (r *Runtime) forkParent(fs *flows.FlowState, h *flows.FlowHead, forkUID string) *flows.FlowHead {
	for cur := h; cur != nil; cur = fs.Heads[cur.ParentHeadUID] {
		if cur.ForkUID == forkUID {
			return fs.Heads[cur.ParentHeadUID]
		}
	}
	return fs.Heads[h.ParentHeadUID]
}

// adoptMergeWinner propagates a winning child head back onto the fork
// parent and deletes all child head trees.
func (r *Runtime) adoptMergeWinner(fs *flows.FlowState, parent, winner *flows.FlowHead) {
	parent.Position = winner.Position + 1
	parent.MatchingScores = append([]float64(nil), winner.MatchingScores...)
	parent.ScopeUIDs = append([]string(nil), winner.ScopeUIDs...)
	parent.CatchLabels = append([]string(nil), winner.CatchLabels...)
	parent.Status = flows.HeadActive

	for _, uid := range parent.ChildHeadUIDs {
		r.deleteHeadTree(fs, uid)
	}
	parent.ChildHeadUIDs = nil
}

// deleteHeadTree removes a head and all of its descendants from the
// flow and the matching indices.
func (r *Runtime) deleteHeadTree(fs *flows.FlowState, uid string) {
	h, have := fs.Heads[uid]
	if !have {
		return
	}
	for _, child := range h.ChildHeadUIDs {
		r.deleteHeadTree(fs, child)
	}
	r.state.ClearWaitingHead(h)
	delete(fs.Heads, uid)
}

func (r *Runtime) execNewAction(fs *flows.FlowState, h *flows.FlowHead, na *ast.NewAction) error {
	args, err := r.evalSpecArgs(fs, na.Spec)
	if err != nil {
		return err
	}
	a := flows.NewAction(na.Spec.Name, fs.UID, args)
	r.state.Actions[a.UID] = a
	fs.ActionUIDs = append(fs.ActionUIDs, a.UID)
	for _, scope := range h.ScopeUIDs {
		s := fs.Scope(scope)
		s.ActionUIDs = append(s.ActionUIDs, a.UID)
	}
	r.setVar(fs, na.Var, flows.ActionRef{ActionUID: a.UID})
	return nil
}

// evalSpecArgs evaluates a spec's argument expressions to values.
func (r *Runtime) evalSpecArgs(fs *flows.FlowState, s *ast.Spec) (map[string]interface{}, error) {
	ctx := r.evalContext(fs)
	args := make(map[string]interface{}, len(s.Kwargs)+len(s.Args))
	for k, expr := range s.Kwargs {
		v, err := r.ev.Eval(expr, ctx)
		if err != nil {
			return nil, err
		}
		args[k] = v
	}
	for i, expr := range s.Args {
		v, err := r.ev.Eval(expr, ctx)
		if err != nil {
			return nil, err
		}
		args[fmt.Sprintf("_arg_%d", i)] = v
	}
	return args, nil
}

// evalContext merges the global context under the flow's own
// variables.
func (r *Runtime) evalContext(fs *flows.FlowState) map[string]interface{} {
	ctx := make(map[string]interface{}, len(fs.Context)+len(r.state.GlobalContext))
	for k, v := range r.state.GlobalContext {
		ctx[k] = v
	}
	for k, v := range fs.Context {
		ctx[k] = v
	}
	return ctx
}

func (r *Runtime) setVar(fs *flows.FlowState, key string, v interface{}) {
	if fs.GlobalNames[key] {
		r.state.GlobalContext[key] = v
		return
	}
	fs.Context[key] = v
}

// maybeFlowStarted emits FlowStarted the first time a starting flow
// reaches a user-visible wait point.
func (r *Runtime) maybeFlowStarted(fs *flows.FlowState, h *flows.FlowHead) {
	if fs.Status != flows.FlowStarting {
		return
	}
	fs.Status = flows.FlowStarted
	args := map[string]interface{}{
		flows.ArgFlowID:          fs.FlowID,
		flows.ArgFlowInstanceUID: fs.UID,
	}
	for k, v := range fs.StartArguments {
		if _, have := args[k]; !have {
			args[k] = v
		}
	}
	r.pushInternal(fs, h, flows.EventFlowStarted, args)
}

// pushInternal queues an internal event attributed to the flow,
// inheriting the emitting head's matching-score history.
func (r *Runtime) pushInternal(fs *flows.FlowState, h *flows.FlowHead, name string, args map[string]interface{}) {
	e := flows.NewInternal(name, args, fs.UID)
	if h != nil {
		e.MatchingScores = append([]float64(nil), h.MatchingScores...)
	}
	r.state.PushEvent(e)
}

// patternFailure redirects a head to its innermost catch label, or
// aborts the flow when none is installed.  The label is left on the
// stack: the generated failure blocks pop it explicitly.
func (r *Runtime) patternFailure(fs *flows.FlowState, h *flows.FlowHead, reason string) {
	if label, have := h.TopCatch(); have {
		if pos, ok := r.config(fs).LabelIndex(label); ok {
			r.state.ClearWaitingHead(h)
			h.Position = pos
			r.advanceHead(fs, h)
			return
		}
	}
	r.abortFlow(fs, h, reason)
}

// raiseError converts an element failure into a ColangError internal
// event and aborts the offending flow.
func (r *Runtime) raiseError(fs *flows.FlowState, h *flows.FlowHead, err error) {
	r.log.Warn("flow element failed",
		zap.String("flow_id", fs.FlowID),
		zap.String("flow_uid", fs.UID),
		zap.Error(err))
	r.pushInternal(fs, h, flows.EventColangError, map[string]interface{}{
		"error_type": fmt.Sprintf("%T", err),
		"error":      err.Error(),
	})
	r.abortFlow(fs, h, err.Error())
}
