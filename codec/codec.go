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

// Package codec serializes runtime state to JSON and back.
//
// Almost everything round-trips through plain struct tags.  The two
// exceptions are flow-config element sequences, which carry their
// "_type" discriminators through the ast wire encoder, and the
// ActionRef/FlowRef values held in flow contexts, which decode back
// from their marker maps into the concrete reference types.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/coflow/coflow/ast"
	"github.com/coflow/coflow/flows"
)

// wireState is the serialized shape: the state itself plus the
// element sequences its configs own (FlowConfig.Elements is opaque to
// encoding/json).
type wireState struct {
	State    *flows.State             `json:"state"`
	Elements map[string][]interface{} `json:"elements"`
}

// EncodeState renders a State as JSON.
func EncodeState(s *flows.State) ([]byte, error) {
	w := wireState{State: s, Elements: map[string][]interface{}{}}
	for id, cfg := range s.FlowConfigs {
		es, err := ast.EncodeElements(cfg.Elements)
		if err != nil {
			return nil, fmt.Errorf("flow '%s': %w", id, err)
		}
		w.Elements[id] = es
	}
	return json.Marshal(w)
}

// DecodeState rebuilds a State from EncodeState output.  Config
// labels are reindexed and context references rehydrated.
func DecodeState(bs []byte) (*flows.State, error) {
	var w wireState
	if err := json.Unmarshal(bs, &w); err != nil {
		return nil, err
	}
	if w.State == nil {
		return nil, fmt.Errorf("no state in snapshot")
	}
	s := w.State

	for id, cfg := range s.FlowConfigs {
		raw, have := w.Elements[id]
		if !have {
			return nil, fmt.Errorf("flow '%s': elements missing from snapshot", id)
		}
		es, err := ast.DecodeElements(raw)
		if err != nil {
			return nil, fmt.Errorf("flow '%s': %w", id, err)
		}
		cfg.Elements = es
		cfg.ReindexLabels()
	}

	s.GlobalContext = rehydrateMap(s.GlobalContext)
	for _, fs := range s.FlowStates {
		fs.Context = rehydrateMap(fs.Context)
	}
	return s, nil
}

// rehydrateMap converts reference marker maps back into
// ActionRef/FlowRef values.
func rehydrateMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	for k, v := range m {
		m[k] = rehydrateValue(v)
	}
	return m
}

func rehydrateValue(v interface{}) interface{} {
	m, is := v.(map[string]interface{})
	if !is {
		return v
	}
	if uid, have := m["action_uid"].(string); have && len(m) == 1 {
		return flows.ActionRef{ActionUID: uid}
	}
	if uid, haveUID := m["flow_state_uid"].(string); haveUID && len(m) == 2 {
		if id, haveID := m["flow_id"].(string); haveID {
			return flows.FlowRef{FlowStateUID: uid, FlowID: id}
		}
	}
	return v
}
