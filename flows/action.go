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

// ActionStatus is the lifecycle of an Action.
type ActionStatus string

const (
	ActionInitialized ActionStatus = "initialized"
	ActionStarting    ActionStatus = "starting"
	ActionStarted     ActionStatus = "started"
	ActionStopping    ActionStatus = "stopping"
	ActionFinished    ActionStatus = "finished"
)

// Action represents one external operation (say, speaking an
// utterance).  Actions live in State.Actions and are referenced from
// flow contexts by uid.
//
// FlowScopeCount counts how many flows currently depend on the
// action.  Flows that raced to start an equal action share one Action
// object; the Stop event goes out exactly when the count drops to
// zero.
type Action struct {
	UID     string       `json:"uid"`
	Name    string       `json:"name"`
	FlowUID string       `json:"flow_uid"`
	Status  ActionStatus `json:"status"`

	// StartArguments are the evaluated arguments the Start event
	// carries.
	StartArguments map[string]interface{} `json:"start_arguments,omitempty"`

	// Context accumulates arguments from incoming action events.
	Context map[string]interface{} `json:"context,omitempty"`

	FlowScopeCount int `json:"flow_scope_count"`

	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// NewAction makes an initialized action owned by the given flow.
func NewAction(name, flowUID string, args map[string]interface{}) *Action {
	if args == nil {
		args = map[string]interface{}{}
	}
	return &Action{
		UID:            uuid.NewString(),
		Name:           name,
		FlowUID:        flowUID,
		Status:         ActionInitialized,
		StartArguments: args,
		Context:        map[string]interface{}{},
		FlowScopeCount: 1,
	}
}

// StartEvent makes the outgoing Start event for the action.
func (a *Action) StartEvent() Event {
	args := make(map[string]interface{}, len(a.StartArguments)+1)
	for k, v := range a.StartArguments {
		args[k] = v
	}
	return NewActionEvent("Start"+a.Name, args, a.UID)
}

// StopEvent makes the outgoing Stop event for the action.
func (a *Action) StopEvent() Event {
	return NewActionEvent("Stop"+a.Name, map[string]interface{}{}, a.UID)
}

// ChangeEvent makes the outgoing Change event for the action.
func (a *Action) ChangeEvent(args map[string]interface{}) Event {
	return NewActionEvent("Change"+a.Name, args, a.UID)
}

// EventName returns the event name for a member like "Finished" or
// "Started" on this action.
func (a *Action) EventName(member string) string {
	switch member {
	case "Start", "Stop", "Change":
		return member + a.Name
	default:
		return a.Name + member
	}
}

// ProcessEvent updates the action's status and context from an
// incoming action event.
func (a *Action) ProcessEvent(e Event) {
	if e.ActionUID != a.UID {
		return
	}
	for k, v := range e.Arguments {
		if k == ArgActionUID {
			continue
		}
		a.Context[k] = v
	}
	switch ActionEventSuffix(e.Name) {
	case "Started":
		a.Status = ActionStarted
		a.StartedAt = time.Now().UTC()
	case "Finished":
		a.Status = ActionFinished
		a.FinishedAt = time.Now().UTC()
	}
}

// Done reports whether the action has finished.
func (a *Action) Done() bool {
	return a.Status == ActionFinished
}

// ActionRef is the value bound into a flow context by `start` on an
// action.  It is a uid lookup, not a pointer; the Action lives in
// State.Actions.
type ActionRef struct {
	ActionUID string `json:"action_uid"`
}

// FlowRef is the value bound into a flow context by `start` on a
// flow.
type FlowRef struct {
	FlowStateUID string `json:"flow_state_uid"`
	FlowID       string `json:"flow_id"`
}

// NewUID returns a fresh uid.  Exists so that callers don't import
// the uuid package everywhere.
func NewUID() string {
	return uuid.NewString()
}
