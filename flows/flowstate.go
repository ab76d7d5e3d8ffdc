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

package flows

import (
	"time"

	"github.com/google/uuid"
)

// FlowStatus is the lifecycle of a FlowState.
type FlowStatus string

const (
	FlowWaiting  FlowStatus = "waiting"
	FlowStarting FlowStatus = "starting"
	FlowStarted  FlowStatus = "started"
	FlowStopping FlowStatus = "stopping"
	FlowStopped  FlowStatus = "stopped"
	FlowFinished FlowStatus = "finished"
)

// HeadStatus is the lifecycle of a FlowHead.
type HeadStatus string

const (
	HeadActive   HeadStatus = "active"
	HeadInactive HeadStatus = "inactive"
	HeadMerging  HeadStatus = "merging"
)

// FlowHead is a cursor into a FlowConfig's element sequence for one
// FlowState.
//
// The scheduler keeps the event-matching indices consistent by
// calling State.SetWaitingHead when a head parks on a match and
// State.ClearWaitingHead before moving or retiring it.
type FlowHead struct {
	UID          string     `json:"uid"`
	FlowStateUID string     `json:"flow_state_uid"`
	Position     int        `json:"position"`
	Status       HeadStatus `json:"status"`

	// MatchingScores is the score history used for conflict and
	// merge resolution.
	MatchingScores []float64 `json:"matching_scores,omitempty"`

	// ScopeUIDs is the stack of scopes the head is inside.
	ScopeUIDs []string `json:"scope_uids,omitempty"`

	// CatchLabels is the stack of pattern-failure recovery labels.
	CatchLabels []string `json:"catch_labels,omitempty"`

	// ForkUID groups sibling heads created by the same ForkHead.
	ForkUID string `json:"fork_uid,omitempty"`

	ParentHeadUID string   `json:"parent_head_uid,omitempty"`
	ChildHeadUIDs []string `json:"child_head_uids,omitempty"`
}

// NewFlowHead makes an active head at position 0.
func NewFlowHead(flowStateUID string) *FlowHead {
	return &FlowHead{
		UID:          uuid.NewString(),
		FlowStateUID: flowStateUID,
		Status:       HeadActive,
	}
}

// Fork makes a child head at the given position, inheriting scores,
// scopes, and catch labels.
func (h *FlowHead) Fork(forkUID string, position int) *FlowHead {
	child := &FlowHead{
		UID:            uuid.NewString(),
		FlowStateUID:   h.FlowStateUID,
		Position:       position,
		Status:         HeadActive,
		MatchingScores: append([]float64(nil), h.MatchingScores...),
		ScopeUIDs:      append([]string(nil), h.ScopeUIDs...),
		CatchLabels:    append([]string(nil), h.CatchLabels...),
		ForkUID:        forkUID,
		ParentHeadUID:  h.UID,
	}
	h.ChildHeadUIDs = append(h.ChildHeadUIDs, child.UID)
	return child
}

// PushCatch installs a pattern-failure label; an empty label pops.
func (h *FlowHead) PushCatch(label string) {
	if label == "" {
		if n := len(h.CatchLabels); n > 0 {
			h.CatchLabels = h.CatchLabels[:n-1]
		}
		return
	}
	h.CatchLabels = append(h.CatchLabels, label)
}

// TopCatch returns the innermost pattern-failure label, if any.
func (h *FlowHead) TopCatch() (string, bool) {
	if n := len(h.CatchLabels); n > 0 {
		return h.CatchLabels[n-1], true
	}
	return "", false
}

// Scope owns what was started within one lexical scope of a flow.
type Scope struct {
	FlowUIDs   []string `json:"flow_uids,omitempty"`
	ActionUIDs []string `json:"action_uids,omitempty"`
}

// FlowState is one running instance of a flow.
type FlowState struct {
	UID    string     `json:"uid"`
	FlowID string     `json:"flow_id"`
	Status FlowStatus `json:"status"`

	Heads map[string]*FlowHead `json:"heads"`

	// Context holds the flow's variables.  Values are plain data
	// plus ActionRef/FlowRef/event maps.
	Context map[string]interface{} `json:"context"`

	// GlobalNames lists variables declared global in this flow.
	GlobalNames map[string]bool `json:"global_names,omitempty"`

	// Priority in [0,1] scales matching scores; ties break randomly.
	Priority float64 `json:"priority"`

	ParentUID string   `json:"parent_uid,omitempty"`
	ChildUIDs []string `json:"child_uids,omitempty"`

	// ActivatedCount > 0 marks the instance as activated: it
	// restarts on completion and is interned rather than
	// re-instantiated.
	ActivatedCount int `json:"activated_count,omitempty"`

	// NewInstanceStarted records that a replacement instance was
	// already queued, so completion must not queue another.
	NewInstanceStarted bool `json:"new_instance_started,omitempty"`

	LoopID string `json:"loop_id"`

	Scopes map[string]*Scope `json:"scopes,omitempty"`

	// ActionUIDs lists actions this flow started (references into
	// State.Actions).
	ActionUIDs []string `json:"action_uids,omitempty"`

	// StartArguments remembers what the instance was started with,
	// for activated-instance interning and restarts.
	StartArguments map[string]interface{} `json:"start_arguments,omitempty"`

	DoneAt time.Time `json:"done_at,omitempty"`
}

// NewFlowState makes a waiting instance of the given flow with one
// head at position 0.
func NewFlowState(uid, flowID, loopID string) *FlowState {
	if uid == "" {
		uid = uuid.NewString()
	}
	fs := &FlowState{
		UID:         uid,
		FlowID:      flowID,
		Status:      FlowWaiting,
		Heads:       map[string]*FlowHead{},
		Context:     map[string]interface{}{},
		GlobalNames: map[string]bool{},
		Priority:    1.0,
		LoopID:      loopID,
		Scopes:      map[string]*Scope{},
	}
	h := NewFlowHead(uid)
	fs.Heads[h.UID] = h
	return fs
}

// Done reports whether the instance has completed.
func (fs *FlowState) Done() bool {
	return fs.Status == FlowStopped || fs.Status == FlowFinished
}

// Listening reports whether the instance can still match events.
func (fs *FlowState) Listening() bool {
	return !fs.Done()
}

// ActiveHeads returns the heads with status Active.
func (fs *FlowState) ActiveHeads() []*FlowHead {
	acc := make([]*FlowHead, 0, len(fs.Heads))
	for _, h := range fs.Heads {
		if h.Status == HeadActive {
			acc = append(acc, h)
		}
	}
	return acc
}

// Scope returns the named scope, creating it if needed.
func (fs *FlowState) Scope(name string) *Scope {
	s, have := fs.Scopes[name]
	if !have {
		s = &Scope{}
		fs.Scopes[name] = s
	}
	return s
}

// AddChild links a child instance.
func (fs *FlowState) AddChild(uid string) {
	for _, c := range fs.ChildUIDs {
		if c == uid {
			return
		}
	}
	fs.ChildUIDs = append(fs.ChildUIDs, uid)
}

// RemoveChild unlinks a child instance.
func (fs *FlowState) RemoveChild(uid string) {
	for i, c := range fs.ChildUIDs {
		if c == uid {
			fs.ChildUIDs = append(fs.ChildUIDs[:i], fs.ChildUIDs[i+1:]...)
			return
		}
	}
}
