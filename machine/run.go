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

// maxRounds bounds the outer event loop; a conversation step that
// does not settle within it is stuck in a cycle.
const maxRounds = 1000

// RunToCompletion drains one external event through all of its
// cascading internal consequences.  Outgoing events accumulate in the
// state's outgoing buffer, which is cleared at the start of the step.
func (r *Runtime) RunToCompletion(e flows.Event) error {
	r.state.OutgoingEvents = nil
	r.cleanup()
	r.state.PushEvent(e)
	return r.drain()
}

// drain runs the scheduler to a fixed point: all internal events
// consumed, all merges and barriers resolved, and no actionable head
// left to advance.
func (r *Runtime) drain() error {
	for round := 0; ; round++ {
		if round > maxRounds {
			return fmt.Errorf("event processing did not settle after %d rounds", maxRounds)
		}

		for {
			e, have := r.state.PopEvent()
			if !have {
				break
			}
			r.processInternalEvent(e)
		}

		r.resolveBarriersAndMerges()
		if len(r.state.InternalEvents) > 0 {
			continue
		}

		if !r.resolveActionConflicts() && len(r.state.InternalEvents) == 0 {
			return nil
		}
	}
}

// candidate is one head considered for a popped event.
type candidate struct {
	fs      *flows.FlowState
	head    *flows.FlowHead
	pattern *eventPattern
	score   float64
}

func (r *Runtime) processInternalEvent(e flows.Event) {
	r.state.AddHistory(e)

	if e.Kind == flows.EventAction && e.ActionUID != "" {
		if a, have := r.state.Actions[e.ActionUID]; have {
			a.ProcessEvent(e)
		}
	}

	switch e.Name {
	case flows.EventStartFlow:
		r.handleStartFlow(e)
	case flows.EventFinishFlow:
		r.handleTermination(e, false)
		return
	case flows.EventStopFlow:
		r.handleTermination(e, true)
		return
	case flows.EventDebugLog, flows.EventInfoLog, flows.EventWarningLog, flows.EventErrorLog:
		r.handleLogEvent(e)
		return
	}

	candidates := r.gatherCandidates(e)

	var matches, mismatches []candidate
	matchedLoops := map[string]bool{}
	for _, c := range candidates {
		switch {
		case c.score > 0:
			matches = append(matches, c)
			matchedLoops[c.fs.LoopID] = true
		case c.score < 0:
			mismatches = append(mismatches, c)
		}
	}

	// Every listening loop that produced no match gets its own
	// UnhandledEvent: a fallback flow in one loop must not be
	// silenced by a match in another.
	if r.shouldSynthesizeUnhandled(e) {
		for _, loop := range r.activeLoops() {
			if matchedLoops[loop] {
				continue
			}
			r.state.PushEvent(flows.NewInternal(flows.EventUnhandledEvent, map[string]interface{}{
				"event":           e.Name,
				"event_arguments": e.Arguments,
				"loop_id":         loop,
			}, ""))
		}
	}

	// Most specific matches apply first: their context bindings and
	// side effects land before less specific ones advance.
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})

	for _, c := range matches {
		if !r.headLive(c.fs, c.head) {
			continue
		}
		r.applyMatch(c, e)
	}
	for _, c := range mismatches {
		if !r.headLive(c.fs, c.head) {
			continue
		}
		r.patternFailure(c.fs, c.head, "mismatch on "+e.Name)
	}
}

// headLive re-checks a candidate before use: an earlier match in the
// same round may have advanced or deleted it.
func (r *Runtime) headLive(fs *flows.FlowState, h *flows.FlowHead) bool {
	if !fs.Listening() {
		return false
	}
	live, have := fs.Heads[h.UID]
	return have && live == h && h.Status == flows.HeadActive
}

// gatherCandidates collects and scores the heads indexed under the
// event's name, plus, for the flow lifecycle events, the heads parked
// on the sibling names (a failure can hard-mismatch a head waiting on
// a finish, and vice versa).  Candidates come back ancestors-first.
func (r *Runtime) gatherCandidates(e flows.Event) []candidate {
	names := []string{e.Name}
	switch e.Name {
	case flows.EventFlowFinished:
		names = append(names, flows.EventFlowFailed, flows.EventFlowStarted)
	case flows.EventFlowFailed:
		names = append(names, flows.EventFlowFinished, flows.EventFlowStarted)
	}

	var refs []flows.HeadRef
	seen := map[string]bool{}
	for _, name := range names {
		for _, ref := range r.state.WaitingHeads(name) {
			if !seen[ref.HeadUID] {
				seen[ref.HeadUID] = true
				refs = append(refs, ref)
			}
		}
	}

	var out []candidate
	for _, ref := range refs {
		fs, have := r.state.FlowStates[ref.FlowStateUID]
		if !have || !fs.Listening() {
			continue
		}
		h, have := fs.Heads[ref.HeadUID]
		if !have || h.Status != flows.HeadActive {
			continue
		}
		op, is := r.element(fs, h).(*ast.SpecOp)
		if !is || op.Op != ast.OpMatch {
			continue
		}
		s, is := op.Spec.(*ast.Spec)
		if !is {
			continue
		}
		p, err := r.buildPattern(fs, s)
		if err != nil {
			r.raiseError(fs, h, err)
			continue
		}
		out = append(out, candidate{fs: fs, head: h, pattern: p, score: r.score(fs, p, e)})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return r.flowDepth(out[i].fs) < r.flowDepth(out[j].fs)
	})
	return out
}

// applyMatch binds the event into the matching head's flow and
// advances the head past the match.
func (r *Runtime) applyMatch(c candidate, e flows.Event) {
	fs, h := c.fs, c.head

	h.MatchingScores = append(append([]float64(nil), e.MatchingScores...), c.score)

	// A StartFlow landing on the prologue starts the instance.
	if e.Name == flows.EventStartFlow && h.Position == 0 && fs.Status == flows.FlowWaiting {
		r.startFlow(fs, e)
	}

	if c.pattern.CaptureVar != "" {
		r.setVar(fs, c.pattern.CaptureVar, r.captureValue(c.pattern, e))
	}

	// A started child flow joins the matching head's open scopes.
	if e.Name == flows.EventFlowStarted {
		childUID := startedInstanceUID(e)
		for _, scope := range h.ScopeUIDs {
			s := fs.Scope(scope)
			s.FlowUIDs = append(s.FlowUIDs, childUID)
		}
	}

	h.Position++
	r.advanceHead(fs, h)
}

// captureValue is what a capture variable binds to: a flow reference
// for FlowStarted (so `stop $ref` and `$ref.Finished()` work), the
// event's argument map otherwise.
func (r *Runtime) captureValue(p *eventPattern, e flows.Event) interface{} {
	if e.Name == flows.EventFlowStarted {
		return flows.FlowRef{
			FlowStateUID: startedInstanceUID(e),
			FlowID:       e.StrArg(flows.ArgFlowID),
		}
	}
	args := make(map[string]interface{}, len(e.Arguments)+1)
	for k, v := range e.Arguments {
		args[k] = v
	}
	args["type"] = e.Name
	return args
}

// startedInstanceUID is the uid of the instance a FlowStarted event is
// really about.  When an activation reuses a running instance, the
// event's source uid names that instance; the plain instance uid then
// names only the duplicate request and points at nothing.
func startedInstanceUID(e flows.Event) string {
	if uid := e.StrArg(flows.ArgSourceFlowInstanceUID); uid != "" {
		return uid
	}
	return e.StrArg(flows.ArgFlowInstanceUID)
}

// shouldSynthesizeUnhandled limits UnhandledEvent to events from the
// outside world; unmatched internal bookkeeping is normal and must
// not echo around the queue.
func (r *Runtime) shouldSynthesizeUnhandled(e flows.Event) bool {
	return e.Kind != flows.EventInternal && e.Name != flows.EventUnhandledEvent
}

// activeLoops lists the distinct interaction loops among listening
// flows, sorted for determinism.
func (r *Runtime) activeLoops() []string {
	set := map[string]bool{}
	for _, fs := range r.state.FlowStates {
		if fs.Listening() {
			set[fs.LoopID] = true
		}
	}
	loops := make([]string, 0, len(set))
	for id := range set {
		loops = append(loops, id)
	}
	sort.Strings(loops)
	return loops
}

// handleStartFlow instantiates the flow named by a StartFlow event,
// or bumps the activation count when an equal activated instance
// already runs.
func (r *Runtime) handleStartFlow(e flows.Event) {
	flowID := e.StrArg(flows.ArgFlowID)
	cfg, have := r.state.FlowConfigs[flowID]
	if !have {
		r.log.Warn("StartFlow for unknown flow", zap.String("flow_id", flowID))
		r.state.PushEvent(flows.NewInternal(flows.EventColangError, map[string]interface{}{
			"error_type": "UnknownFlow",
			"error":      "no flow named '" + flowID + "'",
		}, e.FlowUID))
		return
	}

	uid := e.StrArg(flows.ArgFlowInstanceUID)
	if uid != "" {
		if _, exists := r.state.FlowStates[uid]; exists {
			// Already instantiated (e.g. the waiting main flow).
			return
		}
	}

	if v, have := e.Arg(flows.ArgActivated); have && truthyArg(v) {
		if existing := r.findActivatedInstance(flowID, e.Arguments); existing != nil {
			existing.ActivatedCount++
			r.state.PushEvent(flows.NewInternal(flows.EventFlowStarted, map[string]interface{}{
				flows.ArgFlowID:                flowID,
				flows.ArgFlowInstanceUID:       uid,
				flows.ArgSourceFlowInstanceUID: existing.UID,
			}, existing.UID))
			return
		}
	}

	loopID := cfg.LoopID
	if loopID == "" {
		loopID = flows.DefaultLoopID
	}
	fs := flows.NewFlowState(uid, flowID, loopID)
	r.state.AddFlowState(fs)
	if flowID == MainFlowID && r.state.MainFlowUID == "" {
		r.state.MainFlowUID = fs.UID
	}
	for _, h := range fs.Heads {
		r.advanceHead(fs, h) // parks on the start prologue
	}
}

// findActivatedInstance looks for a running activated instance of the
// flow started with the same arguments.
func (r *Runtime) findActivatedInstance(flowID string, args map[string]interface{}) *flows.FlowState {
	for _, fs := range r.state.InstancesOf(flowID) {
		if fs.Done() || fs.ActivatedCount == 0 {
			continue
		}
		if startArgsEqual(fs.StartArguments, args) {
			return fs
		}
	}
	return nil
}

// startArgsEqual compares StartFlow arguments minus the bookkeeping
// keys that differ on every start.
func startArgsEqual(a, b map[string]interface{}) bool {
	return reflect.DeepEqual(meaningfulArgs(a), meaningfulArgs(b))
}

func meaningfulArgs(args map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range args {
		if ignoredArgKeys[k] || k == flows.ArgFlowInstanceUID || k == flows.ArgFlowID {
			continue
		}
		out[k] = v
	}
	return out
}

// handleTermination services FinishFlow and StopFlow: by instance uid
// when given, otherwise every instance of the flow id.
func (r *Runtime) handleTermination(e flows.Event, stop bool) {
	var targets []*flows.FlowState
	if uid := e.StrArg(flows.ArgFlowInstanceUID); uid != "" {
		if fs, have := r.state.FlowStates[uid]; have {
			targets = append(targets, fs)
		}
	} else if flowID := e.StrArg(flows.ArgFlowID); flowID != "" {
		targets = r.state.InstancesOf(flowID)
	}
	for _, fs := range targets {
		if fs.Done() {
			continue
		}
		// Termination overrides activation: no replacement instance.
		fs.ActivatedCount = 0
		fs.NewInstanceStarted = true
		if stop {
			r.abortFlow(fs, nil, "stopped")
		} else {
			ret, _ := e.Arg(flows.ArgReturnValue)
			r.finishFlow(fs, nil, ret)
		}
	}
}

func (r *Runtime) handleLogEvent(e flows.Event) {
	msg := fmt.Sprintf("%v", e.Arguments["message"])
	fields := []zap.Field{zap.String("flow_uid", e.FlowUID)}
	switch e.Name {
	case flows.EventDebugLog:
		r.log.Debug(msg, fields...)
	case flows.EventWarningLog:
		r.log.Warn(msg, fields...)
	case flows.EventErrorLog:
		r.log.Error(msg, fields...)
	default:
		r.log.Info(msg, fields...)
	}
}
