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

import (
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v2"
)

// The wire form of an element is a map with a "_type" property naming
// the element kind.  Flows are authored (and generated at runtime) in
// this form, as YAML or JSON, and decoded once into the closed element
// types.  No "_type" dispatch happens after decoding.

// BadElement reports a wire map that could not be decoded.
type BadElement struct {
	Type   string
	Reason string
}

func (e *BadElement) Error() string {
	if e.Type == "" {
		return "element without a _type: " + e.Reason
	}
	return `bad "` + e.Type + `" element: ` + e.Reason
}

// DecodeFlows parses YAML of the form
//
//	flows:
//	  - name: main
//	    elements:
//	      - _type: spec_op
//	        ...
//
// into flow definitions.
func DecodeFlows(bs []byte) ([]*Flow, error) {
	var doc struct {
		Flows []map[interface{}]interface{} `yaml:"flows"`
	}
	if err := yaml.Unmarshal(bs, &doc); err != nil {
		return nil, err
	}
	acc := make([]*Flow, 0, len(doc.Flows))
	for _, raw := range doc.Flows {
		m, err := stringKeys(raw)
		if err != nil {
			return nil, err
		}
		f, err := DecodeFlow(m.(map[string]interface{}))
		if err != nil {
			return nil, err
		}
		acc = append(acc, f)
	}
	return acc, nil
}

// DecodeFlow decodes one flow definition from its wire map.
func DecodeFlow(m map[string]interface{}) (*Flow, error) {
	f := &Flow{}
	name, is := m["name"].(string)
	if !is || name == "" {
		return nil, errors.New("flow without a name")
	}
	f.Name = name
	if s, is := m["source"].(string); is {
		f.Source = s
	}
	if s, is := m["file"].(string); is {
		f.File = s
	}
	if xs, is := m["parameters"].([]interface{}); is {
		for _, x := range xs {
			p, err := decodeParameter(x)
			if err != nil {
				return nil, err
			}
			f.Parameters = append(f.Parameters, p)
		}
	}
	if xs, is := m["return_members"].([]interface{}); is {
		for _, x := range xs {
			p, err := decodeParameter(x)
			if err != nil {
				return nil, err
			}
			f.ReturnMembers = append(f.ReturnMembers, p)
		}
	}
	if xs, is := m["decorators"].([]interface{}); is {
		for _, x := range xs {
			dm, is := x.(map[string]interface{})
			if !is {
				return nil, errors.New("bad decorator in flow " + name)
			}
			d := Decorator{}
			d.Name, _ = dm["name"].(string)
			if kw, is := dm["kwargs"].(map[string]interface{}); is {
				d.Kwargs = make(map[string]string, len(kw))
				for k, v := range kw {
					d.Kwargs[k] = fmt.Sprintf("%v", v)
				}
			}
			f.Decorators = append(f.Decorators, d)
		}
	}
	xs, is := m["elements"].([]interface{})
	if !is {
		return nil, errors.New("flow " + name + " without elements")
	}
	els, err := DecodeElements(xs)
	if err != nil {
		return nil, fmt.Errorf("flow %s: %w", name, err)
	}
	f.Elements = els
	return f, nil
}

func decodeParameter(x interface{}) (Parameter, error) {
	switch vv := x.(type) {
	case string:
		return Parameter{Name: vv}, nil
	case map[string]interface{}:
		p := Parameter{}
		p.Name, _ = vv["name"].(string)
		p.Default, _ = vv["default"].(string)
		if p.Name == "" {
			return p, errors.New("parameter without a name")
		}
		return p, nil
	default:
		return Parameter{}, fmt.Errorf("bad parameter (%T)", x)
	}
}

// DecodeElements decodes a list of wire maps.
func DecodeElements(xs []interface{}) ([]Element, error) {
	acc := make([]Element, 0, len(xs))
	for _, x := range xs {
		m, is := x.(map[string]interface{})
		if !is {
			return nil, fmt.Errorf("element is a %T, not a map", x)
		}
		e, err := DecodeElement(m)
		if err != nil {
			return nil, err
		}
		acc = append(acc, e)
	}
	return acc, nil
}

// DecodeElement decodes one wire map into an Element.
func DecodeElement(m map[string]interface{}) (Element, error) {
	t, _ := m["_type"].(string)
	meta := Meta{}
	if n, is := asInt(m["line"]); is {
		meta.Line = n
	}

	switch t {
	case "spec_op":
		op, _ := m["op"].(string)
		switch Op(op) {
		case OpMatch, OpStart, OpSend, OpAwait, OpActivate, OpStop:
		default:
			return nil, &BadElement{t, "unknown op '" + op + "'"}
		}
		spec, err := decodeSpecExpr(m["spec"])
		if err != nil {
			return nil, &BadElement{t, err.Error()}
		}
		e := &SpecOp{Meta: meta, Op: Op(op), Spec: spec}
		e.ReturnVar, _ = m["return_var"].(string)
		e.Internal, _ = m["internal"].(bool)
		return e, nil
	case "assignment":
		e := &Assignment{Meta: meta}
		e.Key, _ = m["key"].(string)
		e.Expression, _ = m["expression"].(string)
		if e.Key == "" {
			return nil, &BadElement{t, "missing key"}
		}
		return e, nil
	case "if":
		e := &If{Meta: meta}
		e.Expression, _ = m["expression"].(string)
		var err error
		if e.Then, err = decodeBody(m["then"]); err != nil {
			return nil, err
		}
		if e.Else, err = decodeBody(m["else"]); err != nil {
			return nil, err
		}
		return e, nil
	case "while":
		e := &While{Meta: meta}
		e.Expression, _ = m["expression"].(string)
		var err error
		if e.Body, err = decodeBody(m["body"]); err != nil {
			return nil, err
		}
		return e, nil
	case "when":
		e := &When{Meta: meta}
		cases, is := m["cases"].([]interface{})
		if !is || len(cases) == 0 {
			return nil, &BadElement{t, "no cases"}
		}
		for _, c := range cases {
			cm, is := c.(map[string]interface{})
			if !is {
				return nil, &BadElement{t, "bad case"}
			}
			pattern, err := decodeSpecExpr(cm["pattern"])
			if err != nil {
				return nil, &BadElement{t, err.Error()}
			}
			body, err := decodeBody(cm["body"])
			if err != nil {
				return nil, err
			}
			e.Cases = append(e.Cases, WhenCase{Pattern: pattern, Body: body})
		}
		var err error
		if e.Else, err = decodeBody(m["else"]); err != nil {
			return nil, err
		}
		return e, nil
	case "label":
		e := &Label{Meta: meta}
		e.Name, _ = m["name"].(string)
		return e, nil
	case "goto":
		e := &Goto{Meta: meta}
		e.Label, _ = m["label"].(string)
		e.Expression, _ = m["expression"].(string)
		return e, nil
	case "fork_head":
		e := &ForkHead{Meta: meta}
		e.ForkUID, _ = m["fork_uid"].(string)
		if xs, is := m["labels"].([]interface{}); is {
			for _, x := range xs {
				if s, is := x.(string); is {
					e.Labels = append(e.Labels, s)
				}
			}
		}
		return e, nil
	case "merge_heads":
		e := &MergeHeads{Meta: meta}
		e.ForkUID, _ = m["fork_uid"].(string)
		e.Force, _ = m["force"].(bool)
		return e, nil
	case "wait_for_heads":
		e := &WaitForHeads{Meta: meta}
		if n, is := asInt(m["number"]); is {
			e.Number = n
		}
		return e, nil
	case "catch_pattern_failure":
		e := &CatchPatternFailure{Meta: meta}
		e.Label, _ = m["label"].(string)
		return e, nil
	case "begin_scope":
		e := &BeginScope{Meta: meta}
		e.Name, _ = m["name"].(string)
		return e, nil
	case "end_scope":
		e := &EndScope{Meta: meta}
		e.Name, _ = m["name"].(string)
		return e, nil
	case "new_action":
		e := &NewAction{Meta: meta}
		e.Var, _ = m["var"].(string)
		spec, err := decodeSpecExpr(m["spec"])
		if err != nil {
			return nil, &BadElement{t, err.Error()}
		}
		s, is := spec.(*Spec)
		if !is {
			return nil, &BadElement{t, "spec must not be a group"}
		}
		e.Spec = s
		return e, nil
	case "return":
		e := &Return{Meta: meta}
		e.Expression, _ = m["expression"].(string)
		return e, nil
	case "abort":
		return &Abort{Meta: meta}, nil
	case "break":
		return &Break{Meta: meta}, nil
	case "continue":
		return &Continue{Meta: meta}, nil
	case "priority":
		e := &Priority{Meta: meta}
		e.Expression, _ = m["expression"].(string)
		return e, nil
	case "global":
		e := &Global{Meta: meta}
		e.Name, _ = m["name"].(string)
		return e, nil
	case "log":
		e := &Log{Meta: meta}
		e.Expression, _ = m["expression"].(string)
		return e, nil
	case "print":
		e := &Print{Meta: meta}
		e.Expression, _ = m["expression"].(string)
		return e, nil
	case "":
		return nil, &BadElement{"", fmt.Sprintf("%v", m)}
	default:
		return nil, &BadElement{t, "unknown element type"}
	}
}

func decodeBody(x interface{}) ([]Element, error) {
	if x == nil {
		return nil, nil
	}
	xs, is := x.([]interface{})
	if !is {
		return nil, fmt.Errorf("body is a %T, not a list", x)
	}
	return DecodeElements(xs)
}

func decodeSpecExpr(x interface{}) (SpecExpr, error) {
	m, is := x.(map[string]interface{})
	if !is {
		return nil, fmt.Errorf("spec is a %T, not a map", x)
	}
	if op, have := m["group_op"]; have {
		g := &Group{}
		ops, _ := op.(string)
		switch GroupOp(ops) {
		case GroupAnd, GroupOr:
			g.GroupOp = GroupOp(ops)
		default:
			return nil, errors.New("unknown group op '" + ops + "'")
		}
		items, is := m["items"].([]interface{})
		if !is || len(items) == 0 {
			return nil, errors.New("group without items")
		}
		for _, it := range items {
			sub, err := decodeSpecExpr(it)
			if err != nil {
				return nil, err
			}
			g.Items = append(g.Items, sub)
		}
		return g, nil
	}

	s := &Spec{}
	s.Name, _ = m["name"].(string)
	s.Var, _ = m["var"].(string)
	if s.Name == "" && s.Var == "" {
		return nil, errors.New("spec without name or var")
	}
	if st, is := m["spec_type"].(string); is {
		s.SpecType = SpecType(st)
	}
	if xs, is := m["args"].([]interface{}); is {
		for _, x := range xs {
			s.Args = append(s.Args, fmt.Sprintf("%v", x))
		}
	}
	if kw, is := m["kwargs"].(map[string]interface{}); is {
		s.Kwargs = make(map[string]string, len(kw))
		for k, v := range kw {
			s.Kwargs[k] = fmt.Sprintf("%v", v)
		}
	}
	s.CaptureVar, _ = m["capture_var"].(string)
	if xs, is := m["members"].([]interface{}); is {
		for _, x := range xs {
			mm, is := x.(map[string]interface{})
			if !is {
				return nil, errors.New("bad member")
			}
			member := Member{}
			member.Name, _ = mm["name"].(string)
			if args, is := mm["args"].([]interface{}); is {
				for _, a := range args {
					member.Args = append(member.Args, fmt.Sprintf("%v", a))
				}
			}
			if kw, is := mm["kwargs"].(map[string]interface{}); is {
				member.Kwargs = make(map[string]string, len(kw))
				for k, v := range kw {
					member.Kwargs[k] = fmt.Sprintf("%v", v)
				}
			}
			s.Members = append(s.Members, member)
		}
	}
	return s, nil
}

// EncodeElement renders an Element back into its wire map.  The
// element structs marshal cleanly to JSON, so we go through JSON and
// then add the discriminator.
func EncodeElement(e Element) (map[string]interface{}, error) {
	js, err := json.Marshal(encodeShim(e))
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err = json.Unmarshal(js, &m); err != nil {
		return nil, err
	}
	m["_type"] = e.Kind().String()
	return m, nil
}

// EncodeElements renders a list of elements into wire maps.
func EncodeElements(es []Element) ([]interface{}, error) {
	acc := make([]interface{}, 0, len(es))
	for _, e := range es {
		m, err := EncodeElement(e)
		if err != nil {
			return nil, err
		}
		acc = append(acc, m)
	}
	return acc, nil
}

// encodeShim rewrites the interface-typed fields (SpecExpr, nested
// bodies) into plain maps so that json.Marshal round-trips them with
// the same discriminators DecodeElement expects.
func encodeShim(e Element) interface{} {
	switch vv := e.(type) {
	case *SpecOp:
		m := map[string]interface{}{
			"op":   string(vv.Op),
			"spec": encodeSpecExpr(vv.Spec),
		}
		if vv.ReturnVar != "" {
			m["return_var"] = vv.ReturnVar
		}
		if vv.Internal {
			m["internal"] = true
		}
		if vv.Line != 0 {
			m["line"] = vv.Line
		}
		return m
	case *If:
		m := map[string]interface{}{"expression": vv.Expression}
		m["then"] = mustEncodeElements(vv.Then)
		if vv.Else != nil {
			m["else"] = mustEncodeElements(vv.Else)
		}
		return m
	case *While:
		return map[string]interface{}{
			"expression": vv.Expression,
			"body":       mustEncodeElements(vv.Body),
		}
	case *When:
		cases := make([]interface{}, 0, len(vv.Cases))
		for _, c := range vv.Cases {
			cases = append(cases, map[string]interface{}{
				"pattern": encodeSpecExpr(c.Pattern),
				"body":    mustEncodeElements(c.Body),
			})
		}
		m := map[string]interface{}{"cases": cases}
		if vv.Else != nil {
			m["else"] = mustEncodeElements(vv.Else)
		}
		return m
	case *NewAction:
		return map[string]interface{}{
			"var":  vv.Var,
			"spec": encodeSpecExpr(vv.Spec),
		}
	default:
		return e
	}
}

func mustEncodeElements(es []Element) []interface{} {
	acc, err := EncodeElements(es)
	if err != nil {
		// Elements are plain data; marshaling them cannot fail.
		panic(err)
	}
	return acc
}

func encodeSpecExpr(x SpecExpr) interface{} {
	switch vv := x.(type) {
	case *Spec:
		js, _ := json.Marshal(vv)
		var m map[string]interface{}
		_ = json.Unmarshal(js, &m)
		return m
	case *Group:
		items := make([]interface{}, 0, len(vv.Items))
		for _, it := range vv.Items {
			items = append(items, encodeSpecExpr(it))
		}
		return map[string]interface{}{
			"group_op": string(vv.GroupOp),
			"items":    items,
		}
	default:
		return nil
	}
}

// stringKeys recursively converts map[interface{}]interface{} (what
// yaml.v2 produces) to map[string]interface{}.
func stringKeys(x interface{}) (interface{}, error) {
	switch vv := x.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(vv))
		for k, v := range vv {
			s, is := k.(string)
			if !is {
				return nil, fmt.Errorf("non-string key %v", k)
			}
			y, err := stringKeys(v)
			if err != nil {
				return nil, err
			}
			m[s] = y
		}
		return m, nil
	case map[string]interface{}:
		for k, v := range vv {
			y, err := stringKeys(v)
			if err != nil {
				return nil, err
			}
			vv[k] = y
		}
		return vv, nil
	case []interface{}:
		for i, v := range vv {
			y, err := stringKeys(v)
			if err != nil {
				return nil, err
			}
			vv[i] = y
		}
		return vv, nil
	default:
		return x, nil
	}
}
