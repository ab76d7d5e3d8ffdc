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
	"reflect"
	"sort"

	"go.uber.org/zap"

	"github.com/coflow/coflow/ast"
	"github.com/coflow/coflow/flows"
)

// resolveBarriersAndMerges advances heads parked on WaitForHeads
// barriers and resolves merges whose siblings have all arrived.  Runs
// to a fixed point: resolving one can unblock another.
func (r *Runtime) resolveBarriersAndMerges() {
	for changed := true; changed; {
		changed = false
		for _, uid := range r.sortedFlowUIDs() {
			fs := r.state.FlowStates[uid]
			if fs.Done() {
				continue
			}
			if r.resolveBarriers(fs) {
				changed = true
			}
			if r.resolveMerges(fs) {
				changed = true
			}
		}
	}
}

// resolveBarriers releases WaitForHeads barriers with enough heads
// parked on them.
func (r *Runtime) resolveBarriers(fs *flows.FlowState) bool {
	parked := map[int][]*flows.FlowHead{}
	for _, uid := range sortedHeadUIDs(fs) {
		h := fs.Heads[uid]
		if h.Status != flows.HeadActive {
			continue
		}
		if _, is := r.element(fs, h).(*ast.WaitForHeads); is {
			parked[h.Position] = append(parked[h.Position], h)
		}
	}

	changed := false
	for pos, heads := range parked {
		wait := r.config(fs).Elements[pos].(*ast.WaitForHeads)
		if len(heads) < wait.Number {
			continue
		}
		changed = true
		for _, h := range heads {
			if live, have := fs.Heads[h.UID]; !have || live != h || fs.Done() {
				continue
			}
			h.Position++
			r.advanceHead(fs, h)
		}
	}
	return changed
}

// resolveMerges reunifies fork parents whose children are all parked
// in Merging status.  The winner is chosen exactly like an action
// conflict: lexicographic score history, random tie-break.
func (r *Runtime) resolveMerges(fs *flows.FlowState) bool {
	byParent := map[string][]*flows.FlowHead{}
	for _, uid := range sortedHeadUIDs(fs) {
		h := fs.Heads[uid]
		if h.Status != flows.HeadMerging {
			continue
		}
		merge, is := r.element(fs, h).(*ast.MergeHeads)
		if !is {
			continue
		}
		// Reunify by the merge element's fork uid, not the head's
		// immediate parent: a head from a nested fork must merge
		// into the outer fork's parent.
		parent := r.forkParent(fs, h, merge.ForkUID)
		if parent == nil {
			continue
		}
		byParent[parent.UID] = append(byParent[parent.UID], h)
	}

	parents := make([]string, 0, len(byParent))
	for uid := range byParent {
		parents = append(parents, uid)
	}
	sort.Strings(parents)

	changed := false
	for _, parentUID := range parents {
		parent, have := fs.Heads[parentUID]
		if !have {
			continue
		}
		if !r.allSiblingsMerging(fs, parent) {
			continue
		}
		merging := byParent[parentUID]
		winner := r.pickByScores(len(merging), func(i int) []float64 {
			return merging[i].MatchingScores
		})
		r.adoptMergeWinner(fs, parent, merging[winner])
		r.advanceHead(fs, parent)
		changed = true
		if fs.Done() {
			break
		}
	}
	return changed
}

func (r *Runtime) allSiblingsMerging(fs *flows.FlowState, parent *flows.FlowHead) bool {
	if len(parent.ChildHeadUIDs) == 0 {
		return false
	}
	for _, uid := range parent.ChildHeadUIDs {
		h, have := fs.Heads[uid]
		if !have || h.Status != flows.HeadMerging {
			return false
		}
	}
	return true
}

// pending is one head ready to emit an outgoing event, awaiting
// conflict resolution.
type pending struct {
	fs     *flows.FlowState
	head   *flows.FlowHead
	event  flows.Event
	action *flows.Action

	tiebreak float64
}

// resolveActionConflicts fires the outgoing events of all actionable
// heads, at most one distinct event per interaction loop: equal
// events co-win and share one Action, unequal losers fail their
// pattern.  Reports whether anything was advanced.
func (r *Runtime) resolveActionConflicts() bool {
	groups := map[string][]pending{}
	for _, uid := range r.sortedFlowUIDs() {
		fs := r.state.FlowStates[uid]
		if !fs.Listening() {
			continue
		}
		for _, headUID := range sortedHeadUIDs(fs) {
			h := fs.Heads[headUID]
			if h.Status != flows.HeadActive {
				continue
			}
			op, is := r.element(fs, h).(*ast.SpecOp)
			if !is || op.Op != ast.OpSend {
				continue
			}
			if s, isSpec := op.Spec.(*ast.Spec); isSpec && r.internalSend(op, s) {
				continue
			}
			p, err := r.pendingActionEvent(fs, h, op)
			if err != nil {
				r.raiseError(fs, h, err)
				continue
			}
			p.tiebreak = r.rnd.Float64()
			groups[fs.LoopID] = append(groups[fs.LoopID], p)
		}
	}
	if len(groups) == 0 {
		return false
	}

	loops := make([]string, 0, len(groups))
	for id := range groups {
		loops = append(loops, id)
	}
	sort.Strings(loops)

	for _, loop := range loops {
		r.resolveGroup(groups[loop])
	}
	return true
}

func (r *Runtime) resolveGroup(group []pending) {
	sort.SliceStable(group, func(i, j int) bool {
		c := compareScoreHistories(group[i].head.MatchingScores, group[j].head.MatchingScores)
		if c != 0 {
			return c > 0
		}
		return group[i].tiebreak > group[j].tiebreak
	})

	winner := group[0]
	if !r.headLive(winner.fs, winner.head) {
		return
	}
	r.fireAction(winner)

	for _, p := range group[1:] {
		if !r.headLive(p.fs, p.head) {
			continue
		}
		if outgoingEqual(p.event, winner.event) {
			r.coWin(p, winner)
			continue
		}
		r.log.Debug("action conflict lost",
			zap.String("flow_id", p.fs.FlowID),
			zap.String("event", p.event.Name))
		r.patternFailure(p.fs, p.head, "lost action conflict on "+p.event.Name)
	}
}

// fireAction emits the winning head's event and moves the head on.
func (r *Runtime) fireAction(p pending) {
	r.emitOutgoing(p.event)
	if p.action != nil && p.action.Status == flows.ActionInitialized {
		p.action.Status = flows.ActionStarting
	}
	p.head.Position++
	r.advanceHead(p.fs, p.head)
}

// coWin merges a losing head whose event equals the winner's: no
// duplicate emission, and both flows end up sharing the winner's
// Action.
func (r *Runtime) coWin(p, winner pending) {
	if p.action != nil && winner.action != nil && p.action.UID != winner.action.UID {
		r.migrateActionRef(p.fs, p.action.UID, winner.action.UID)
		delete(r.state.Actions, p.action.UID)
		winner.action.FlowScopeCount++
	}
	p.head.Position++
	r.advanceHead(p.fs, p.head)
}

// migrateActionRef rewrites every reference a flow holds on one
// action to point at another.
func (r *Runtime) migrateActionRef(fs *flows.FlowState, oldUID, newUID string) {
	for k, v := range fs.Context {
		if ref, is := v.(flows.ActionRef); is && ref.ActionUID == oldUID {
			fs.Context[k] = flows.ActionRef{ActionUID: newUID}
		}
	}
	for i, uid := range fs.ActionUIDs {
		if uid == oldUID {
			fs.ActionUIDs[i] = newUID
		}
	}
	for _, scope := range fs.Scopes {
		for i, uid := range scope.ActionUIDs {
			if uid == oldUID {
				scope.ActionUIDs[i] = newUID
			}
		}
	}
}

// pendingActionEvent builds the event a parked send would emit.
func (r *Runtime) pendingActionEvent(fs *flows.FlowState, h *flows.FlowHead, op *ast.SpecOp) (pending, error) {
	s, is := op.Spec.(*ast.Spec)
	if !is {
		return pending{}, fmt.Errorf("unexpanded group send at runtime")
	}

	if s.Var == "" {
		args, err := r.evalSpecArgs(fs, s)
		if err != nil {
			return pending{}, err
		}
		return pending{fs: fs, head: h, event: flows.New(s.Name, args)}, nil
	}

	if len(s.Members) != 1 {
		return pending{}, fmt.Errorf("reference send needs exactly one member")
	}
	ref, have := fs.Context[s.Var]
	if !have {
		ref, have = r.state.GlobalContext[s.Var]
	}
	if !have {
		return pending{}, fmt.Errorf("unknown reference '$%s'", s.Var)
	}
	ar, is := ref.(flows.ActionRef)
	if !is {
		return pending{}, fmt.Errorf("reference '$%s' is not an action", s.Var)
	}
	a, have := r.state.Actions[ar.ActionUID]
	if !have {
		return pending{}, fmt.Errorf("reference '$%s' names a dead action", s.Var)
	}

	member := s.Members[0]
	switch member.Name {
	case "Start":
		return pending{fs: fs, head: h, event: a.StartEvent(), action: a}, nil
	case "Stop":
		return pending{fs: fs, head: h, event: a.StopEvent(), action: a}, nil
	case "Change":
		args := map[string]interface{}{}
		ctx := r.evalContext(fs)
		for k, expr := range member.Kwargs {
			v, err := r.ev.Eval(expr, ctx)
			if err != nil {
				return pending{}, err
			}
			args[k] = v
		}
		return pending{fs: fs, head: h, event: a.ChangeEvent(args), action: a}, nil
	default:
		return pending{}, fmt.Errorf("cannot send '%s' on an action", member.Name)
	}
}

// outgoingEqual compares two would-be outgoing events by name and
// arguments, ignoring the action uid (co-winning heads hold different
// uids for what becomes the same action).
func outgoingEqual(a, b flows.Event) bool {
	if a.Name != b.Name {
		return false
	}
	aa := map[string]interface{}{}
	for k, v := range a.Arguments {
		if k != flows.ArgActionUID {
			aa[k] = v
		}
	}
	bb := map[string]interface{}{}
	for k, v := range b.Arguments {
		if k != flows.ArgActionUID {
			bb[k] = v
		}
	}
	return reflect.DeepEqual(aa, bb)
}

// pickByScores returns the index with the best score history among n
// candidates, breaking ties uniformly at random.
func (r *Runtime) pickByScores(n int, scores func(int) []float64) int {
	best := 0
	ties := 1
	for i := 1; i < n; i++ {
		switch c := compareScoreHistories(scores(i), scores(best)); {
		case c > 0:
			best = i
			ties = 1
		case c == 0:
			ties++
			if r.rnd.Intn(ties) == 0 {
				best = i
			}
		}
	}
	return best
}

// compareScoreHistories orders two score histories lexicographically,
// padding the shorter with 1.0.  Positive means a ranks first.
func compareScoreHistories(a, b []float64) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		av, bv := 1.0, 1.0
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av > bv {
			return 1
		}
		if av < bv {
			return -1
		}
	}
	return 0
}
