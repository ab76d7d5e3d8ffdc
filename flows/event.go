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

// Package flows holds the runtime's mutable entities: events,
// actions, flow configs, flow instances, their heads, and the root
// State aggregate that owns all of them.
//
// Ownership is strict: State owns every FlowState and Action; all
// other relationships (parent/child flows, an event's flow, an
// action's flow) are uid lookups into State's maps, never pointers.
package flows

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventKind distinguishes the event variants.
type EventKind int

const (
	// EventExternal is a wire-level (UMIM) event.
	EventExternal EventKind = iota
	// EventInternal concerns the flow runtime itself (StartFlow,
	// FlowStarted, ...).
	EventInternal
	// EventAction concerns one Action (Start..., ...Finished).
	EventAction
)

// Standard internal event names.
const (
	EventStartFlow      = "StartFlow"
	EventFlowStarted    = "FlowStarted"
	EventFlowFinished   = "FlowFinished"
	EventFlowFailed     = "FlowFailed"
	EventStopFlow       = "StopFlow"
	EventFinishFlow     = "FinishFlow"
	EventUnhandledEvent = "UnhandledEvent"
	EventColangError    = "ColangError"

	EventDebugLog   = "DebugLog"
	EventInfoLog    = "InfoLog"
	EventWarningLog = "WarningLog"
	EventErrorLog   = "ErrorLog"
)

// IsLogEvent reports whether the name is one of the four bookkeeping
// log events, which the runtime consumes without matching.
func IsLogEvent(name string) bool {
	switch name {
	case EventDebugLog, EventInfoLog, EventWarningLog, EventErrorLog:
		return true
	}
	return false
}

// Argument keys that never participate in event matching.
const (
	ArgReturnValue           = "return_value"
	ArgActivated             = "activated"
	ArgSourceFlowInstanceUID = "source_flow_instance_uid"
	ArgFlowID                = "flow_id"
	ArgFlowInstanceUID       = "flow_instance_uid"
	ArgActionUID             = "action_uid"
)

// Event is a named occurrence with arguments.
//
// MatchingScores accumulates as the event propagates through nested
// matches: an internal event inherits the emitting head's score
// history, and each match appends its own score.  The lexicographic
// order of these histories decides conflicts.
type Event struct {
	Name      string                 `json:"name"`
	Kind      EventKind              `json:"kind"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`

	MatchingScores []float64 `json:"matching_scores,omitempty"`

	// FlowUID is set on internal events to attribute them to a flow
	// instance.  Lookup only, never ownership.
	FlowUID string `json:"flow_uid,omitempty"`

	// ActionUID is set on action events.
	ActionUID string `json:"action_uid,omitempty"`
}

// New makes an external event.
func New(name string, args map[string]interface{}) Event {
	if args == nil {
		args = map[string]interface{}{}
	}
	return Event{Name: name, Kind: EventExternal, Arguments: args}
}

// NewInternal makes an internal event attributed to a flow instance.
func NewInternal(name string, args map[string]interface{}, flowUID string) Event {
	if args == nil {
		args = map[string]interface{}{}
	}
	return Event{Name: name, Kind: EventInternal, Arguments: args, FlowUID: flowUID}
}

// NewAction makes an action event.
func NewActionEvent(name string, args map[string]interface{}, actionUID string) Event {
	if args == nil {
		args = map[string]interface{}{}
	}
	args[ArgActionUID] = actionUID
	return Event{Name: name, Kind: EventAction, Arguments: args, ActionUID: actionUID}
}

// Copy makes a deep-enough copy: arguments shallow-copied, scores
// copied.
func (e Event) Copy() Event {
	args := make(map[string]interface{}, len(e.Arguments))
	for k, v := range e.Arguments {
		args[k] = v
	}
	c := e
	c.Arguments = args
	c.MatchingScores = append([]float64(nil), e.MatchingScores...)
	return c
}

// Arg returns the named argument.
func (e Event) Arg(name string) (interface{}, bool) {
	v, have := e.Arguments[name]
	return v, have
}

// StrArg returns the named argument as a string.
func (e Event) StrArg(name string) string {
	s, _ := e.Arguments[name].(string)
	return s
}

// wireMetaKeys are transport-level keys stripped when an external
// event enters the runtime and added back when one leaves.
var wireMetaKeys = map[string]bool{
	"uid":              true,
	"event_created_at": true,
	"source_uid":       true,
}

// FromWire converts a wire-level event map into an Event, stripping
// transport metadata.  Events whose type names an action lifecycle
// transition become action events.
func FromWire(m map[string]interface{}) Event {
	name, _ := m["type"].(string)
	args := make(map[string]interface{}, len(m))
	for k, v := range m {
		if k == "type" || wireMetaKeys[k] {
			continue
		}
		args[k] = v
	}
	e := Event{Name: name, Kind: EventExternal, Arguments: args}
	if uid, is := args[ArgActionUID].(string); is && ActionEventSuffix(name) != "" {
		e.Kind = EventAction
		e.ActionUID = uid
	}
	return e
}

// ToWire renders an outgoing event as a wire-level map with the
// required transport metadata.
func (e Event) ToWire(sourceUID string) map[string]interface{} {
	m := make(map[string]interface{}, len(e.Arguments)+4)
	for k, v := range e.Arguments {
		m[k] = v
	}
	m["type"] = e.Name
	m["uid"] = uuid.NewString()
	m["event_created_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	m["source_uid"] = sourceUID
	if e.ActionUID != "" {
		m[ArgActionUID] = e.ActionUID
	}
	return m
}

// ActionEventSuffix returns "Started", "Updated", or "Finished" when
// the event name reports an action lifecycle transition, else "".
func ActionEventSuffix(name string) string {
	for _, suffix := range []string{"Finished", "Started", "Updated"} {
		if strings.HasSuffix(name, suffix) && strings.Contains(name, "Action") {
			return suffix
		}
	}
	return ""
}
