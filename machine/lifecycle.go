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
	"time"

	"go.uber.org/zap"

	"github.com/coflow/coflow/flows"
)

// startFlow binds parameters from a StartFlow event into an instance
// whose head just matched it at position 0, and links it into the
// flow hierarchy.
func (r *Runtime) startFlow(fs *flows.FlowState, e flows.Event) {
	cfg := r.config(fs)
	fs.Status = flows.FlowStarting
	fs.StartArguments = map[string]interface{}{}
	for k, v := range e.Arguments {
		fs.StartArguments[k] = v
	}

	ctx := r.evalContext(fs)
	for i, p := range cfg.Parameters {
		v, have := e.Arg(positionalKey(i))
		if !have {
			v, have = e.Arg(p.Name)
		}
		if !have && p.Default != "" {
			d, err := r.ev.Eval(p.Default, ctx)
			if err != nil {
				r.log.Warn("parameter default failed",
					zap.String("flow_id", fs.FlowID),
					zap.String("param", p.Name),
					zap.Error(err))
			} else {
				v, have = d, true
			}
		}
		if have {
			fs.Context[p.Name] = v
		}
	}

	if v, have := e.Arg(flows.ArgActivated); have && truthyArg(v) {
		if fs.ActivatedCount == 0 {
			fs.ActivatedCount = 1
		}
	}

	if e.FlowUID != "" {
		if parent, have := r.state.FlowStates[e.FlowUID]; have {
			fs.ParentUID = parent.UID
			parent.AddChild(fs.UID)
			if cfg.LoopID == "" {
				fs.LoopID = parent.LoopID
			}
		}
	}
}

// positionalKey is how positional arguments travel in StartFlow
// events.
func positionalKey(i int) string {
	return fmt.Sprintf("_arg_%d", i)
}

func truthyArg(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x != "" && x != "false" && x != "False"
	case float64:
		return x != 0
	case int:
		return x != 0
	}
	return v != nil
}

// finishFlow completes an instance: children and actions are
// released, FlowFinished goes out, and activated instances queue
// their replacement at the front of the queue.
func (r *Runtime) finishFlow(fs *flows.FlowState, h *flows.FlowHead, returnValue interface{}) {
	if fs.Done() {
		return
	}
	fs.Status = flows.FlowFinished
	fs.DoneAt = time.Now().UTC()

	r.parkAllHeads(fs)
	r.terminateChildren(fs)
	r.releaseActions(fs)
	r.detachFromParent(fs)

	args := map[string]interface{}{
		flows.ArgFlowID:          fs.FlowID,
		flows.ArgFlowInstanceUID: fs.UID,
	}
	if returnValue != nil {
		args[flows.ArgReturnValue] = returnValue
	}
	r.pushInternal(fs, h, flows.EventFlowFinished, args)

	r.afterCompletion(fs)
}

// abortFlow fails an instance: same teardown as finishFlow but the
// event is FlowFailed.
func (r *Runtime) abortFlow(fs *flows.FlowState, h *flows.FlowHead, reason string) {
	if fs.Done() {
		return
	}
	fs.Status = flows.FlowStopped
	fs.DoneAt = time.Now().UTC()

	r.parkAllHeads(fs)
	r.terminateChildren(fs)
	r.releaseActions(fs)
	r.detachFromParent(fs)

	r.pushInternal(fs, h, flows.EventFlowFailed, map[string]interface{}{
		flows.ArgFlowID:          fs.FlowID,
		flows.ArgFlowInstanceUID: fs.UID,
		"reason":                 reason,
	})

	r.afterCompletion(fs)
}

// afterCompletion handles the two completion special cases: the main
// flow resets to a fresh waiting instance, and activated flows queue
// a replacement before any already-pending internal event.
func (r *Runtime) afterCompletion(fs *flows.FlowState) {
	if fs.UID == r.state.MainFlowUID {
		r.resetMainFlow(fs)
		return
	}
	if fs.ActivatedCount > 0 && !fs.NewInstanceStarted {
		fs.NewInstanceStarted = true
		args := map[string]interface{}{
			flows.ArgFlowID:          fs.FlowID,
			flows.ArgFlowInstanceUID: flows.NewUID(),
			flows.ArgActivated:       true,
		}
		for k, v := range fs.StartArguments {
			if _, have := args[k]; !have && !ignoredArgKeys[k] &&
				k != flows.ArgFlowID && k != flows.ArgFlowInstanceUID {
				args[k] = v
			}
		}
		restart := flows.NewInternal(flows.EventStartFlow, args, fs.ParentUID)
		r.state.PushEventFront(restart)
		fs.ActivatedCount = 0
	}
}

// resetMainFlow rewinds the main instance to Waiting with a single
// fresh head parked on its start prologue.
func (r *Runtime) resetMainFlow(fs *flows.FlowState) {
	for uid := range fs.Heads {
		r.deleteHeadTree(fs, uid)
	}
	fs.Status = flows.FlowWaiting
	fs.Context = map[string]interface{}{}
	fs.Scopes = map[string]*flows.Scope{}
	fs.ActionUIDs = nil
	fs.ChildUIDs = nil
	fs.DoneAt = time.Time{}

	h := flows.NewFlowHead(fs.UID)
	fs.Heads[h.UID] = h
	r.state.SetWaitingHead(h, flows.EventStartFlow)
	r.state.PushEventFront(flows.NewInternal(flows.EventStartFlow, map[string]interface{}{
		flows.ArgFlowID:          fs.FlowID,
		flows.ArgFlowInstanceUID: fs.UID,
	}, ""))
}

// parkAllHeads deactivates every head and clears it from the matching
// indices.
func (r *Runtime) parkAllHeads(fs *flows.FlowState) {
	for _, uid := range sortedHeadUIDs(fs) {
		h := fs.Heads[uid]
		h.Status = flows.HeadInactive
		r.state.ClearWaitingHead(h)
	}
}

// terminateChildren stops non-activated child flows.  An activated
// child just loses one activation reference; it is only torn down
// when the count reaches zero.
func (r *Runtime) terminateChildren(fs *flows.FlowState) {
	for _, uid := range append([]string(nil), fs.ChildUIDs...) {
		child, have := r.state.FlowStates[uid]
		if !have || child.Done() {
			continue
		}
		if child.ActivatedCount > 1 {
			child.ActivatedCount--
			continue
		}
		child.ActivatedCount = 0
		child.NewInstanceStarted = true // parent is going away, no restart
		r.abortFlow(child, nil, "parent flow completed")
	}
	fs.ChildUIDs = nil
}

// releaseActions drops the flow's reference on each of its actions,
// emitting the Stop exactly when the last reference disappears.
func (r *Runtime) releaseActions(fs *flows.FlowState) {
	for _, uid := range fs.ActionUIDs {
		a, have := r.state.Actions[uid]
		if !have {
			continue
		}
		a.FlowScopeCount--
		if a.FlowScopeCount > 0 {
			continue
		}
		if !a.Done() && a.Status != flows.ActionInitialized {
			r.emitOutgoing(a.StopEvent())
			a.Status = flows.ActionStopping
		}
	}
	fs.ActionUIDs = nil
}

func (r *Runtime) detachFromParent(fs *flows.FlowState) {
	if fs.ParentUID == "" {
		return
	}
	if parent, have := r.state.FlowStates[fs.ParentUID]; have {
		parent.RemoveChild(fs.UID)
	}
}

// closeScope tears down everything started within a lexical scope:
// child flows are stopped and action references released.
func (r *Runtime) closeScope(fs *flows.FlowState, h *flows.FlowHead, name string) {
	for i := len(h.ScopeUIDs) - 1; i >= 0; i-- {
		if h.ScopeUIDs[i] == name {
			h.ScopeUIDs = append(h.ScopeUIDs[:i], h.ScopeUIDs[i+1:]...)
			break
		}
	}
	scope, have := fs.Scopes[name]
	if !have {
		return
	}
	delete(fs.Scopes, name)

	for _, uid := range scope.FlowUIDs {
		if child, ok := r.state.FlowStates[uid]; ok && !child.Done() {
			r.abortFlow(child, nil, "scope closed")
		}
	}
	for _, uid := range scope.ActionUIDs {
		a, ok := r.state.Actions[uid]
		if !ok {
			continue
		}
		a.FlowScopeCount--
		if a.FlowScopeCount <= 0 && !a.Done() && a.Status != flows.ActionInitialized {
			r.emitOutgoing(a.StopEvent())
			a.Status = flows.ActionStopping
		}
		fs.ActionUIDs = removeString(fs.ActionUIDs, uid)
	}
}

func removeString(xs []string, x string) []string {
	for i, v := range xs {
		if v == x {
			return append(xs[:i], xs[i+1:]...)
		}
	}
	return xs
}

// emitOutgoing appends an event to the step's output and the history.
func (r *Runtime) emitOutgoing(e flows.Event) {
	r.state.AddOutgoing(e)
	r.state.AddHistory(e)
}

// cleanup runs at the start of each external-event round: it drops
// stale matching-score history, garbage-collects done non-activated
// instances past the GC window, and removes orphaned actions.
func (r *Runtime) cleanup() {
	now := time.Now().UTC()

	for _, uid := range r.sortedFlowUIDs() {
		fs := r.state.FlowStates[uid]
		for _, h := range fs.Heads {
			h.MatchingScores = nil
		}
		if fs.Done() && fs.ActivatedCount == 0 && uid != r.state.MainFlowUID &&
			!fs.DoneAt.IsZero() && now.Sub(fs.DoneAt) > r.gcWindow {
			r.state.RemoveFlowState(uid)
		}
	}

	// Orphaned actions: no live flow references them.
	live := map[string]bool{}
	for _, fs := range r.state.FlowStates {
		for _, uid := range fs.ActionUIDs {
			live[uid] = true
		}
	}
	for uid, a := range r.state.Actions {
		if !live[uid] && (a.Done() || a.FlowScopeCount <= 0) {
			delete(r.state.Actions, uid)
		}
	}
}
