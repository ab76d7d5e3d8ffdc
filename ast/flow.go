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

// Parameter declares a flow parameter or return member.  Default is
// an expression string evaluated when the caller does not supply the
// argument.
type Parameter struct {
	Name    string `json:"name" yaml:"name"`
	Default string `json:"default,omitempty" yaml:"default,omitempty"`
}

// Decorator is a meta tag on a flow definition, e.g. @loop("main"),
// @override, @active.
type Decorator struct {
	Name   string            `json:"name" yaml:"name"`
	Kwargs map[string]string `json:"kwargs,omitempty" yaml:"kwargs,omitempty"`
}

// Flow is a parsed flow definition: the template from which flow
// configs (and then flow instances) are made.
type Flow struct {
	Name          string      `json:"name" yaml:"name"`
	Elements      []Element   `json:"elements" yaml:"elements"`
	Decorators    []Decorator `json:"decorators,omitempty" yaml:"decorators,omitempty"`
	Parameters    []Parameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	ReturnMembers []Parameter `json:"return_members,omitempty" yaml:"return_members,omitempty"`

	// Source optionally retains the original source text, which is
	// useful for diagnostics and for flows generated at runtime.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	// File is the origin of the definition, if known.
	File string `json:"file,omitempty" yaml:"file,omitempty"`
}

// Decorator returns the named decorator, if present.
func (f *Flow) Decorator(name string) (Decorator, bool) {
	for _, d := range f.Decorators {
		if d.Name == name {
			return d, true
		}
	}
	return Decorator{}, false
}
