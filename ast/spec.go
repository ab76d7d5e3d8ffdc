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

package ast

// Op is the operation applied by a SpecOp.
type Op string

const (
	OpMatch    Op = "match"
	OpStart    Op = "start"
	OpSend     Op = "send"
	OpAwait    Op = "await"
	OpActivate Op = "activate"
	OpStop     Op = "stop"
)

// SpecType classifies what a Spec names.
type SpecType string

const (
	SpecUnknown   SpecType = ""
	SpecFlow      SpecType = "flow"
	SpecAction    SpecType = "action"
	SpecEvent     SpecType = "event"
	SpecReference SpecType = "reference"
)

// GroupOp combines specs in a Group.
type GroupOp string

const (
	GroupAnd GroupOp = "and"
	GroupOr  GroupOp = "or"
)

// SpecExpr is either a *Spec or a *Group.
type SpecExpr interface {
	specExpr()
}

// Member is a trailing member access on a reference, e.g. the
// `Finished()` in `$action.Finished()`.
type Member struct {
	Name   string            `json:"name" yaml:"name"`
	Args   []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Kwargs map[string]string `json:"kwargs,omitempty" yaml:"kwargs,omitempty"`
}

// Spec names a flow, action, or event, with argument expressions.
//
// Either Name or Var is set.  When Var is set, the spec refers to a
// flow/action/event reference held in a context variable, optionally
// narrowed by Members.
type Spec struct {
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
	SpecType SpecType `json:"spec_type,omitempty" yaml:"spec_type,omitempty"`

	// Args holds positional argument expressions; Kwargs named ones.
	// Values are expression strings, evaluated at execution time.
	Args   []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Kwargs map[string]string `json:"kwargs,omitempty" yaml:"kwargs,omitempty"`

	Var     string   `json:"var,omitempty" yaml:"var,omitempty"`
	Members []Member `json:"members,omitempty" yaml:"members,omitempty"`

	// CaptureVar receives the matched event or started reference
	// (`... as $x`).
	CaptureVar string `json:"capture_var,omitempty" yaml:"capture_var,omitempty"`
}

// Group combines specs with "and"/"or".  Groups nest.
type Group struct {
	GroupOp GroupOp    `json:"group_op" yaml:"group_op"`
	Items   []SpecExpr `json:"items" yaml:"items"`
}

func (s *Spec) specExpr()  {}
func (g *Group) specExpr() {}

// Copy makes a deep copy of the Spec.
func (s *Spec) Copy() *Spec {
	if s == nil {
		return nil
	}
	c := *s
	c.Args = append([]string(nil), s.Args...)
	if s.Kwargs != nil {
		c.Kwargs = make(map[string]string, len(s.Kwargs))
		for k, v := range s.Kwargs {
			c.Kwargs[k] = v
		}
	}
	c.Members = make([]Member, len(s.Members))
	for i, m := range s.Members {
		mc := m
		mc.Args = append([]string(nil), m.Args...)
		if m.Kwargs != nil {
			mc.Kwargs = make(map[string]string, len(m.Kwargs))
			for k, v := range m.Kwargs {
				mc.Kwargs[k] = v
			}
		}
		c.Members[i] = mc
	}
	return &c
}

// Copy makes a deep copy of the Group.
func (g *Group) Copy() *Group {
	items := make([]SpecExpr, len(g.Items))
	for i, it := range g.Items {
		items[i] = CopySpecExpr(it)
	}
	return &Group{GroupOp: g.GroupOp, Items: items}
}

// CopySpecExpr deep-copies either variant.
func CopySpecExpr(x SpecExpr) SpecExpr {
	switch vv := x.(type) {
	case *Spec:
		return vv.Copy()
	case *Group:
		return vv.Copy()
	default:
		return x
	}
}
