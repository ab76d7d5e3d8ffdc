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

// Package machine is the flow scheduler: it advances flow heads
// through their instruction sequences, matches events against waiting
// heads with a scoring function, resolves conflicts between flows
// that race to the same action, and manages flow and action
// lifecycles.
//
// The scheduler is single-threaded and round-based.  One external
// event is drained through all of its internal consequences before
// the next one is looked at; concurrency between flows is simulated
// by interleaving their heads within the round.
package machine

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/coflow/coflow/ast"
	"github.com/coflow/coflow/eval"
	"github.com/coflow/coflow/expand"
	"github.com/coflow/coflow/flows"
	"github.com/coflow/coflow/logging"
)

// DefaultGCWindow is how long a done, non-activated flow instance is
// kept before state cleanup removes it.  Tunable; the value itself is
// not load-bearing.
const DefaultGCWindow = 5 * time.Second

// MainFlowID is the entry-point flow.
const MainFlowID = "main"

// Options configures a Runtime.
type Options struct {
	// Logger defaults to the package logger.
	Logger *zap.Logger

	// Rand breaks score ties in conflict and merge resolution.
	// Inject a seeded source for reproducible runs; defaults to a
	// time-seeded one.
	Rand *rand.Rand

	// StateGCWindow overrides DefaultGCWindow.
	StateGCWindow time.Duration

	// HistoryLimit overrides the event-history cap.
	HistoryLimit int

	// SourceUID stamps outgoing wire events.
	SourceUID string
}

// Runtime executes flows against a stream of events.  Not safe for
// concurrent use; run one Runtime per conversation.
type Runtime struct {
	state *flows.State
	ev    *eval.Evaluator
	log   *zap.Logger
	rnd   *rand.Rand

	gcWindow  time.Duration
	sourceUID string
}

// New builds a Runtime over the given flow definitions.  Flow bodies
// are expanded to primitive elements and each config gets its start
// prologue here.
func New(defs []*ast.Flow, opts Options) (*Runtime, error) {
	ids := make(map[string]bool, len(defs))
	for _, f := range defs {
		ids[f.Name] = true
	}

	configs := make(map[string]*flows.FlowConfig, len(defs))
	for _, f := range defs {
		cfg, err := prepareConfig(f, ids)
		if err != nil {
			return nil, err
		}
		if prev, have := configs[cfg.ID]; have && !cfg.Override && !prev.Override {
			return nil, fmt.Errorf("duplicate flow '%s'", cfg.ID)
		}
		if prev, have := configs[cfg.ID]; !have || !prev.Override || cfg.Override {
			configs[cfg.ID] = cfg
		}
	}

	r := &Runtime{
		state:     flows.NewState(configs),
		ev:        eval.New(),
		log:       opts.Logger,
		rnd:       opts.Rand,
		gcWindow:  opts.StateGCWindow,
		sourceUID: opts.SourceUID,
	}
	if r.log == nil {
		r.log = logging.L()
	}
	if r.rnd == nil {
		r.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if r.gcWindow <= 0 {
		r.gcWindow = DefaultGCWindow
	}
	if opts.HistoryLimit > 0 {
		r.state.HistoryLimit = opts.HistoryLimit
	}
	if r.sourceUID == "" {
		r.sourceUID = "coflow"
	}
	return r, nil
}

// prepareConfig expands a flow body and prepends the start prologue:
// every instance begins parked on an internal match for its own
// StartFlow event, so instantiation goes through ordinary event
// matching.
func prepareConfig(f *ast.Flow, ids map[string]bool) (*flows.FlowConfig, error) {
	expanded, err := expand.Expand(f.Elements, ids)
	if err != nil {
		return nil, fmt.Errorf("flow '%s': %w", f.Name, err)
	}
	g := *f
	g.Elements = append([]ast.Element{
		&ast.SpecOp{
			Op:       ast.OpMatch,
			Internal: true,
			Spec: &ast.Spec{
				Name:     flows.EventStartFlow,
				SpecType: ast.SpecEvent,
				Kwargs:   map[string]string{flows.ArgFlowID: `"` + f.Name + `"`},
			},
		},
	}, expanded...)
	return flows.NewFlowConfig(&g), nil
}

// AddFlows splices new flow definitions into the running config
// table.  Used by the flow-generation boundary.
func (r *Runtime) AddFlows(defs []*ast.Flow) error {
	ids := make(map[string]bool, len(r.state.FlowConfigs)+len(defs))
	for id := range r.state.FlowConfigs {
		ids[id] = true
	}
	for _, f := range defs {
		ids[f.Name] = true
	}
	for _, f := range defs {
		cfg, err := prepareConfig(f, ids)
		if err != nil {
			return err
		}
		r.state.FlowConfigs[cfg.ID] = cfg
	}
	return nil
}

// State exposes the runtime's state for serialization and tests.
func (r *Runtime) State() *flows.State { return r.state }

// RestoreState replaces the runtime's state, e.g. after decoding a
// snapshot.
func (r *Runtime) RestoreState(s *flows.State) { r.state = s }

// Initialize bootstraps the conversation: it queues a StartFlow for
// the main flow and an activated StartFlow for every @active flow,
// then drains the queue.
func (r *Runtime) Initialize() error {
	if _, have := r.state.FlowConfigs[MainFlowID]; !have {
		return fmt.Errorf("no '%s' flow", MainFlowID)
	}

	for _, id := range r.sortedConfigIDs() {
		cfg := r.state.FlowConfigs[id]
		if !cfg.Active || id == MainFlowID {
			continue
		}
		r.state.PushEvent(flows.NewInternal(flows.EventStartFlow, map[string]interface{}{
			flows.ArgFlowID:          id,
			flows.ArgFlowInstanceUID: flows.NewUID(),
			flows.ArgActivated:       true,
		}, ""))
	}
	r.state.PushEventFront(flows.NewInternal(flows.EventStartFlow, map[string]interface{}{
		flows.ArgFlowID:          MainFlowID,
		flows.ArgFlowInstanceUID: flows.NewUID(),
	}, ""))

	return r.drain()
}

// ProcessEvents runs each wire event to completion and returns the
// outgoing wire events produced.
func (r *Runtime) ProcessEvents(events []map[string]interface{}) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	for _, m := range events {
		if err := r.RunToCompletion(flows.FromWire(m)); err != nil {
			return out, err
		}
		for _, e := range r.state.OutgoingEvents {
			out = append(out, e.ToWire(r.sourceUID))
		}
	}
	return out, nil
}

// Outgoing returns the outgoing events of the last completed step.
func (r *Runtime) Outgoing() []flows.Event {
	return append([]flows.Event(nil), r.state.OutgoingEvents...)
}

func (r *Runtime) sortedConfigIDs() []string {
	ids := make([]string, 0, len(r.state.FlowConfigs))
	for id := range r.state.FlowConfigs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// sortedFlowUIDs iterates flow instances deterministically.
func (r *Runtime) sortedFlowUIDs() []string {
	uids := make([]string, 0, len(r.state.FlowStates))
	for uid := range r.state.FlowStates {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}

func sortedHeadUIDs(fs *flows.FlowState) []string {
	uids := make([]string, 0, len(fs.Heads))
	for uid := range fs.Heads {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}

// config returns the definition behind an instance.
func (r *Runtime) config(fs *flows.FlowState) *flows.FlowConfig {
	return r.state.FlowConfigs[fs.FlowID]
}

// element returns the instruction under a head, or nil past the end.
func (r *Runtime) element(fs *flows.FlowState, h *flows.FlowHead) ast.Element {
	cfg := r.config(fs)
	if cfg == nil || h.Position < 0 || h.Position >= len(cfg.Elements) {
		return nil
	}
	return cfg.Elements[h.Position]
}

// flowDepth is the instance's distance from the hierarchy root, used
// to order candidates ancestors-first.
func (r *Runtime) flowDepth(fs *flows.FlowState) int {
	depth := 0
	for uid := fs.ParentUID; uid != ""; depth++ {
		p, have := r.state.FlowStates[uid]
		if !have {
			break
		}
		uid = p.ParentUID
	}
	return depth
}
