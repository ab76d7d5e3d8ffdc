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

// DefaultHistoryLimit caps the recent-event history.
const DefaultHistoryLimit = 500

// HeadRef addresses one head of one flow instance.
type HeadRef struct {
	FlowStateUID string `json:"flow_state_uid"`
	HeadUID      string `json:"head_uid"`
}

// State is the root aggregate: it owns every flow instance, flow
// config, and action, plus the event queues and the event-matching
// acceleration indices.
//
// EventMatchingHeads maps an event name to the heads currently parked
// on a match for that name; WaitingHeadEvents is its inverse (head
// uid to event name).  They are maintained exclusively through
// SetWaitingHead and ClearWaitingHead, which the scheduler calls
// right after moving a head.  Nothing else may touch them.
type State struct {
	FlowStates  map[string]*FlowState  `json:"flow_states"`
	FlowConfigs map[string]*FlowConfig `json:"flow_configs"`
	Actions     map[string]*Action     `json:"actions"`

	// FlowIDStates indexes instance uids by flow id.
	FlowIDStates map[string][]string `json:"flow_id_states"`

	// InternalEvents is the pending-event deque.
	InternalEvents []Event `json:"internal_events,omitempty"`

	// OutgoingEvents collects the external events produced by the
	// current step.
	OutgoingEvents []Event `json:"outgoing_events,omitempty"`

	// History is the bounded recent-event record.
	History      []Event `json:"history,omitempty"`
	HistoryLimit int     `json:"history_limit,omitempty"`

	EventMatchingHeads map[string][]HeadRef `json:"event_matching_heads,omitempty"`
	WaitingHeadEvents  map[string]string    `json:"waiting_head_events,omitempty"`

	// GlobalContext holds variables declared global.
	GlobalContext map[string]interface{} `json:"global_context,omitempty"`

	MainFlowUID string `json:"main_flow_uid,omitempty"`
}

// NewState makes an empty State over the given configs.
func NewState(configs map[string]*FlowConfig) *State {
	if configs == nil {
		configs = map[string]*FlowConfig{}
	}
	return &State{
		FlowStates:         map[string]*FlowState{},
		FlowConfigs:        configs,
		Actions:            map[string]*Action{},
		FlowIDStates:       map[string][]string{},
		HistoryLimit:       DefaultHistoryLimit,
		EventMatchingHeads: map[string][]HeadRef{},
		WaitingHeadEvents:  map[string]string{},
		GlobalContext:      map[string]interface{}{},
	}
}

// AddFlowState adds an instance to the ownership maps.
func (s *State) AddFlowState(fs *FlowState) {
	s.FlowStates[fs.UID] = fs
	s.FlowIDStates[fs.FlowID] = append(s.FlowIDStates[fs.FlowID], fs.UID)
}

// RemoveFlowState removes an instance and clears its heads from the
// matching indices.
func (s *State) RemoveFlowState(uid string) {
	fs, have := s.FlowStates[uid]
	if !have {
		return
	}
	for _, h := range fs.Heads {
		s.ClearWaitingHead(h)
	}
	uids := s.FlowIDStates[fs.FlowID]
	for i, u := range uids {
		if u == uid {
			s.FlowIDStates[fs.FlowID] = append(uids[:i], uids[i+1:]...)
			break
		}
	}
	delete(s.FlowStates, uid)
}

// InstancesOf returns the instances of a flow id.
func (s *State) InstancesOf(flowID string) []*FlowState {
	uids := s.FlowIDStates[flowID]
	acc := make([]*FlowState, 0, len(uids))
	for _, uid := range uids {
		if fs, have := s.FlowStates[uid]; have {
			acc = append(acc, fs)
		}
	}
	return acc
}

// SetWaitingHead records that the head is parked on a match for the
// given event name.  Any previous registration is cleared first.
func (s *State) SetWaitingHead(h *FlowHead, eventName string) {
	s.ClearWaitingHead(h)
	if eventName == "" {
		return
	}
	s.EventMatchingHeads[eventName] = append(s.EventMatchingHeads[eventName],
		HeadRef{FlowStateUID: h.FlowStateUID, HeadUID: h.UID})
	s.WaitingHeadEvents[h.UID] = eventName
}

// ClearWaitingHead removes the head from the matching indices.
func (s *State) ClearWaitingHead(h *FlowHead) {
	name, have := s.WaitingHeadEvents[h.UID]
	if !have {
		return
	}
	refs := s.EventMatchingHeads[name]
	for i, r := range refs {
		if r.HeadUID == h.UID {
			refs = append(refs[:i], refs[i+1:]...)
			break
		}
	}
	if len(refs) == 0 {
		delete(s.EventMatchingHeads, name)
	} else {
		s.EventMatchingHeads[name] = refs
	}
	delete(s.WaitingHeadEvents, h.UID)
}

// WaitingHeads returns the heads parked on the given event name.
func (s *State) WaitingHeads(eventName string) []HeadRef {
	return append([]HeadRef(nil), s.EventMatchingHeads[eventName]...)
}

// PushEvent appends an internal event (FIFO).
func (s *State) PushEvent(e Event) {
	s.InternalEvents = append(s.InternalEvents, e)
}

// PushEventFront inserts an internal event at the front of the queue.
// Used for activated-flow restarts and the main-flow bootstrap, which
// must be handled before anything already queued.
func (s *State) PushEventFront(e Event) {
	s.InternalEvents = append([]Event{e}, s.InternalEvents...)
}

// PopEvent removes and returns the front internal event.
func (s *State) PopEvent() (Event, bool) {
	if len(s.InternalEvents) == 0 {
		return Event{}, false
	}
	e := s.InternalEvents[0]
	s.InternalEvents = s.InternalEvents[1:]
	return e, true
}

// AddOutgoing appends an external event to the step's output.
func (s *State) AddOutgoing(e Event) {
	s.OutgoingEvents = append(s.OutgoingEvents, e)
}

// AddHistory records an event, trimming to the history limit.
func (s *State) AddHistory(e Event) {
	limit := s.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	s.History = append(s.History, e)
	if len(s.History) > limit {
		s.History = s.History[len(s.History)-limit:]
	}
}

// CheckIndexConsistency verifies that EventMatchingHeads and
// WaitingHeadEvents are inverses and refer only to live heads.  Used
// by tests.
func (s *State) CheckIndexConsistency() error {
	for name, refs := range s.EventMatchingHeads {
		for _, r := range refs {
			fs, have := s.FlowStates[r.FlowStateUID]
			if !have {
				return &IndexError{name, r, "flow state missing"}
			}
			h, have := fs.Heads[r.HeadUID]
			if !have {
				return &IndexError{name, r, "head missing"}
			}
			if got := s.WaitingHeadEvents[h.UID]; got != name {
				return &IndexError{name, r, "reverse map says '" + got + "'"}
			}
		}
	}
	for uid, name := range s.WaitingHeadEvents {
		found := false
		for _, r := range s.EventMatchingHeads[name] {
			if r.HeadUID == uid {
				found = true
				break
			}
		}
		if !found {
			return &IndexError{name, HeadRef{HeadUID: uid}, "missing forward entry"}
		}
	}
	return nil
}

// IndexError reports a matching-index inconsistency.
type IndexError struct {
	EventName string
	Ref       HeadRef
	Reason    string
}

func (e *IndexError) Error() string {
	return "matching index for '" + e.EventName + "' head " + e.Ref.HeadUID + ": " + e.Reason
}
