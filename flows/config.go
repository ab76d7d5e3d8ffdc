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
	"github.com/coflow/coflow/ast"
)

// Decorator names the runtime understands.
const (
	DecoratorLoop     = "loop"
	DecoratorOverride = "override"
	DecoratorActive   = "active"
)

// DefaultLoopID is the interaction loop flows belong to unless a
// @loop decorator says otherwise.
const DefaultLoopID = "main"

// FlowConfig is the immutable per-definition template shared by every
// instance of a flow.  Elements holds the fully expanded primitive
// sequence; Labels maps label names to element indices.
type FlowConfig struct {
	ID       string        `json:"id"`
	Elements []ast.Element `json:"-"`

	Parameters    []ast.Parameter `json:"parameters,omitempty"`
	ReturnMembers []ast.Parameter `json:"return_members,omitempty"`
	Decorators    []ast.Decorator `json:"decorators,omitempty"`

	Labels map[string]int `json:"labels,omitempty"`

	// LoopID partitions flows into interaction loops; only flows in
	// the same loop compete for actions.
	LoopID string `json:"loop_id,omitempty"`

	// Override marks the config as replacing any same-named flow
	// loaded earlier.
	Override bool `json:"override,omitempty"`

	// Active flows are activated automatically at initialization.
	Active bool `json:"active,omitempty"`

	Source string `json:"source,omitempty"`
}

// NewFlowConfig derives a config from a flow definition.  Elements
// are taken as-is; run the expander first.
func NewFlowConfig(f *ast.Flow) *FlowConfig {
	cfg := &FlowConfig{
		ID:            f.Name,
		Elements:      f.Elements,
		Parameters:    f.Parameters,
		ReturnMembers: f.ReturnMembers,
		Decorators:    f.Decorators,
		Source:        f.Source,
	}
	if d, have := f.Decorator(DecoratorLoop); have {
		if id, have := d.Kwargs["id"]; have {
			cfg.LoopID = id
		}
	}
	if _, have := f.Decorator(DecoratorOverride); have {
		cfg.Override = true
	}
	if _, have := f.Decorator(DecoratorActive); have {
		cfg.Active = true
	}
	cfg.ReindexLabels()
	return cfg
}

// ReindexLabels rebuilds the label->index map from Elements.  Call
// after replacing Elements.
func (c *FlowConfig) ReindexLabels() {
	c.Labels = make(map[string]int)
	for i, e := range c.Elements {
		if l, is := e.(*ast.Label); is {
			c.Labels[l.Name] = i
		}
	}
}

// LabelIndex resolves a label name.
func (c *FlowConfig) LabelIndex(name string) (int, bool) {
	i, have := c.Labels[name]
	return i, have
}
