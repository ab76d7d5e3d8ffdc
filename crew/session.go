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

package crew

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coflow/coflow/ast"
	"github.com/coflow/coflow/machine"
)

// Session is one conversation: a runtime plus the timers that serve
// its timer actions.
type Session struct {
	sync.Mutex

	ID      string           `json:"id"`
	CrewID  string           `json:"crewId"`
	Runtime *machine.Runtime `json:"-"`

	// Out, when set, receives events emitted by timer firings (as
	// opposed to events returned directly from Process).
	Out func(context.Context, []map[string]interface{}) `json:"-"`

	timers *Timers
	log    *zap.Logger
}

// maxSystemRounds bounds the feedback loop for system actions that
// complete locally (like AddFlowsAction).
const maxSystemRounds = 16

// Process feeds events to the session's runtime and returns what the
// runtime emits.  System actions among the emitted events are handled
// here: StartTimerBotAction schedules a TimerBotActionFinished,
// StopTimerBotAction cancels the pending timer, and
// StartAddFlowsAction splices new flow definitions into the runtime,
// feeding the resulting finished event straight back in.
func (s *Session) Process(ctx context.Context, events []map[string]interface{}) ([]map[string]interface{}, error) {
	var acc []map[string]interface{}
	for round := 0; 0 < len(events); round++ {
		if maxSystemRounds <= round {
			return nil, fmt.Errorf("system actions still pending after %d rounds", round)
		}

		s.Lock()
		out, err := s.Runtime.ProcessEvents(events)
		s.Unlock()
		if err != nil {
			return nil, err
		}
		acc = append(acc, out...)

		events = nil
		for _, e := range out {
			followups, err := s.handleSystemAction(ctx, e)
			if err != nil {
				s.log.Warn("system action failed", zap.Error(err))
			}
			events = append(events, followups...)
		}
	}

	return acc, nil
}

func (s *Session) handleSystemAction(ctx context.Context, e map[string]interface{}) ([]map[string]interface{}, error) {
	name, _ := e["type"].(string)
	switch name {
	case "StartTimerBotAction":
		uid, _ := e["action_uid"].(string)
		if uid == "" {
			return nil, fmt.Errorf("StartTimerBotAction without action_uid")
		}
		d, err := timerPeriod(e)
		if err != nil {
			return nil, err
		}
		msg := map[string]interface{}{
			"type":       "TimerBotActionFinished",
			"action_uid": uid,
			"is_success": true,
		}
		if tn, have := e["timer_name"]; have {
			msg["timer_name"] = tn
		}
		return nil, s.timers.Add(ctx, uid, msg, d)
	case "StopTimerBotAction":
		uid, _ := e["action_uid"].(string)
		if uid == "" {
			return nil, fmt.Errorf("StopTimerBotAction without action_uid")
		}
		// Stopping a timer that already fired isn't an error.
		_ = s.timers.Cancel(ctx, uid)
		return nil, nil
	case "StartAddFlowsAction":
		uid, _ := e["action_uid"].(string)
		if uid == "" {
			return nil, fmt.Errorf("StartAddFlowsAction without action_uid")
		}
		finished := map[string]interface{}{
			"type":       "AddFlowsActionFinished",
			"action_uid": uid,
			"is_success": true,
		}
		if err := s.addFlows(e["config"]); err != nil {
			finished["is_success"] = false
			finished["failure_reason"] = err.Error()
		}
		return []map[string]interface{}{finished}, nil
	}
	return nil, nil
}

// addFlows parses a flow-definition document and splices the flows
// into the running session.
func (s *Session) addFlows(config interface{}) error {
	src, is := config.(string)
	if !is {
		return fmt.Errorf("AddFlowsAction config is %T, not a string", config)
	}
	defs, err := ast.DecodeFlows([]byte(src))
	if err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	return s.Runtime.AddFlows(defs)
}

// emitTimerEvent feeds a fired timer's message back into the runtime
// and forwards anything it emits to Out.
func (s *Session) emitTimerEvent(ctx context.Context, te *TimerEntry) {
	out, err := s.Process(ctx, []map[string]interface{}{te.Msg})
	if err != nil {
		s.log.Warn("timer event processing failed",
			zap.String("timer", te.ID),
			zap.Error(err))
		return
	}
	if s.Out != nil && 0 < len(out) {
		s.Out(ctx, out)
	}
}

func timerPeriod(e map[string]interface{}) (time.Duration, error) {
	v, have := e["timer_period"]
	if !have {
		v, have = e["duration"]
	}
	if !have {
		return 0, fmt.Errorf("timer action without timer_period")
	}
	switch x := v.(type) {
	case float64:
		return time.Duration(x * float64(time.Second)), nil
	case int:
		return time.Duration(x) * time.Second, nil
	case int64:
		return time.Duration(x) * time.Second, nil
	case string:
		return time.ParseDuration(x)
	}
	return 0, fmt.Errorf("bad timer_period %#v", v)
}
