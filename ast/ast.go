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

// Package ast defines the element model for flow bodies.
//
// A flow body is a sequence of Elements.  High-level constructs (If,
// While, When, and spec operations on element groups) are lowered by
// package expand into the primitive elements that the scheduler in
// package machine understands (Send, Match, Label, Goto, ForkHead,
// MergeHeads, WaitForHeads, scopes, and friends).
//
// The element kinds form a closed set.  Code that walks elements
// should switch on Kind() exhaustively; a new kind is a breaking
// change on purpose.
package ast

// Kind discriminates the element variants.
type Kind int

const (
	KindSpecOp Kind = iota
	KindAssignment
	KindIf
	KindWhile
	KindWhen
	KindLabel
	KindGoto
	KindForkHead
	KindMergeHeads
	KindWaitForHeads
	KindCatchPatternFailure
	KindBeginScope
	KindEndScope
	KindNewAction
	KindReturn
	KindAbort
	KindBreak
	KindContinue
	KindPriority
	KindGlobal
	KindLog
	KindPrint
)

var kindNames = map[Kind]string{
	KindSpecOp:              "spec_op",
	KindAssignment:          "assignment",
	KindIf:                  "if",
	KindWhile:               "while",
	KindWhen:                "when",
	KindLabel:               "label",
	KindGoto:                "goto",
	KindForkHead:            "fork_head",
	KindMergeHeads:          "merge_heads",
	KindWaitForHeads:        "wait_for_heads",
	KindCatchPatternFailure: "catch_pattern_failure",
	KindBeginScope:          "begin_scope",
	KindEndScope:            "end_scope",
	KindNewAction:           "new_action",
	KindReturn:              "return",
	KindAbort:               "abort",
	KindBreak:               "break",
	KindContinue:            "continue",
	KindPriority:            "priority",
	KindGlobal:              "global",
	KindLog:                 "log",
	KindPrint:               "print",
}

func (k Kind) String() string {
	if s, have := kindNames[k]; have {
		return s
	}
	return "unknown"
}

// Meta carries source position information for error reporting.
type Meta struct {
	Line int `json:"line,omitempty" yaml:"line,omitempty"`
}

// Element is the interface implemented by every element variant.
//
// The set of implementations is closed: only types in this package
// implement Element.
type Element interface {
	Kind() Kind
	Pos() Meta
	element()
}

// SpecOp applies an operation (match, start, send, await, activate,
// stop) to a spec or a group of specs.
type SpecOp struct {
	Meta `yaml:",inline"`

	Op Op `json:"op" yaml:"op"`

	// Spec is the subject: a single Spec or a Group.
	Spec SpecExpr `json:"spec" yaml:"spec"`

	// ReturnVar receives `$x = await ...` results.
	ReturnVar string `json:"return_var,omitempty" yaml:"return_var,omitempty"`

	// Internal marks generated elements that should not count as a
	// flow's first user-visible wait point.
	Internal bool `json:"internal,omitempty" yaml:"internal,omitempty"`
}

// Assignment sets a flow (or global) variable to the value of an
// expression.
type Assignment struct {
	Meta `yaml:",inline"`

	Key        string `json:"key" yaml:"key"`
	Expression string `json:"expression" yaml:"expression"`
}

// If is a conditional.  Elif chains are represented as a nested If in
// Else.
type If struct {
	Meta `yaml:",inline"`

	Expression string    `json:"expression" yaml:"expression"`
	Then       []Element `json:"then" yaml:"then"`
	Else       []Element `json:"else,omitempty" yaml:"else,omitempty"`
}

// While is a pre-tested loop.
type While struct {
	Meta `yaml:",inline"`

	Expression string    `json:"expression" yaml:"expression"`
	Body       []Element `json:"body" yaml:"body"`
}

// WhenCase is one `when`/`or when` arm.
type WhenCase struct {
	Pattern SpecExpr  `json:"pattern" yaml:"pattern"`
	Body    []Element `json:"body" yaml:"body"`
}

// When races its cases; the first case whose pattern completes wins.
// If every case fails to match, Else runs (or the flow aborts when
// there is no Else).
type When struct {
	Meta `yaml:",inline"`

	Cases []WhenCase `json:"cases" yaml:"cases"`
	Else  []Element  `json:"else,omitempty" yaml:"else,omitempty"`
}

// Label names a position for Goto and ForkHead targets.
type Label struct {
	Meta `yaml:",inline"`

	Name string `json:"name" yaml:"name"`
}

// Goto jumps to a label when its expression evaluates to true.  An
// empty expression is an unconditional jump.
type Goto struct {
	Meta `yaml:",inline"`

	Label      string `json:"label" yaml:"label"`
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// ForkHead deactivates the current head and creates one child head at
// each labeled position.
type ForkHead struct {
	Meta `yaml:",inline"`

	ForkUID string   `json:"fork_uid" yaml:"fork_uid"`
	Labels  []string `json:"labels" yaml:"labels"`
}

// MergeHeads reunifies the heads created by a ForkHead.  Without
// Force, a head arriving here waits until every sibling has reached a
// merge point and the best-scored head wins.  With Force, the first
// head to arrive wins immediately and the siblings are discarded.
type MergeHeads struct {
	Meta `yaml:",inline"`

	ForkUID string `json:"fork_uid" yaml:"fork_uid"`
	Force   bool   `json:"force,omitempty" yaml:"force,omitempty"`
}

// WaitForHeads is a barrier: heads park here until Number heads of the
// same flow are parked at this position, then all advance.
type WaitForHeads struct {
	Meta `yaml:",inline"`

	Number int `json:"number" yaml:"number"`
}

// CatchPatternFailure installs (or, with an empty label, uninstalls)
// a recovery label for pattern-match failures.
type CatchPatternFailure struct {
	Meta `yaml:",inline"`

	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// BeginScope opens a named scope; flows and actions started while the
// scope is open are stopped when the scope ends.
type BeginScope struct {
	Meta `yaml:",inline"`

	Name string `json:"name" yaml:"name"`
}

// EndScope closes a named scope.
type EndScope struct {
	Meta `yaml:",inline"`

	Name string `json:"name" yaml:"name"`
}

// NewAction allocates an Action object in the flow's context and binds
// a reference to it.  Generated by the expansion of `start` on an
// action spec.
type NewAction struct {
	Meta `yaml:",inline"`

	Var  string `json:"var" yaml:"var"`
	Spec *Spec  `json:"spec" yaml:"spec"`
}

// Return finishes the flow, optionally with a value.
type Return struct {
	Meta `yaml:",inline"`

	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Abort fails the flow (or jumps to an installed pattern-failure
// catch label).
type Abort struct {
	Meta `yaml:",inline"`
}

// Break exits the innermost while loop.
type Break struct {
	Meta `yaml:",inline"`
}

// Continue re-tests the innermost while loop.
type Continue struct {
	Meta `yaml:",inline"`
}

// Priority sets the flow's priority (a float in [0,1]) used for
// matching and conflict tie-breaking.
type Priority struct {
	Meta `yaml:",inline"`

	Expression string `json:"expression" yaml:"expression"`
}

// Global declares that a variable name refers to the global context.
type Global struct {
	Meta `yaml:",inline"`

	Name string `json:"name" yaml:"name"`
}

// Log emits a structured debug record.
type Log struct {
	Meta `yaml:",inline"`

	Expression string `json:"expression" yaml:"expression"`
}

// Print evaluates an expression and writes it to the runtime's log at
// info level.
type Print struct {
	Meta `yaml:",inline"`

	Expression string `json:"expression" yaml:"expression"`
}

func (e *SpecOp) Kind() Kind              { return KindSpecOp }
func (e *Assignment) Kind() Kind          { return KindAssignment }
func (e *If) Kind() Kind                  { return KindIf }
func (e *While) Kind() Kind               { return KindWhile }
func (e *When) Kind() Kind                { return KindWhen }
func (e *Label) Kind() Kind               { return KindLabel }
func (e *Goto) Kind() Kind                { return KindGoto }
func (e *ForkHead) Kind() Kind            { return KindForkHead }
func (e *MergeHeads) Kind() Kind          { return KindMergeHeads }
func (e *WaitForHeads) Kind() Kind        { return KindWaitForHeads }
func (e *CatchPatternFailure) Kind() Kind { return KindCatchPatternFailure }
func (e *BeginScope) Kind() Kind          { return KindBeginScope }
func (e *EndScope) Kind() Kind            { return KindEndScope }
func (e *NewAction) Kind() Kind           { return KindNewAction }
func (e *Return) Kind() Kind              { return KindReturn }
func (e *Abort) Kind() Kind               { return KindAbort }
func (e *Break) Kind() Kind               { return KindBreak }
func (e *Continue) Kind() Kind            { return KindContinue }
func (e *Priority) Kind() Kind            { return KindPriority }
func (e *Global) Kind() Kind              { return KindGlobal }
func (e *Log) Kind() Kind                 { return KindLog }
func (e *Print) Kind() Kind               { return KindPrint }

func (m Meta) Pos() Meta { return m }

func (e *SpecOp) element()              {}
func (e *Assignment) element()          {}
func (e *If) element()                  {}
func (e *While) element()               {}
func (e *When) element()                {}
func (e *Label) element()               {}
func (e *Goto) element()                {}
func (e *ForkHead) element()            {}
func (e *MergeHeads) element()          {}
func (e *WaitForHeads) element()        {}
func (e *CatchPatternFailure) element() {}
func (e *BeginScope) element()          {}
func (e *EndScope) element()            {}
func (e *NewAction) element()           {}
func (e *Return) element()              {}
func (e *Abort) element()               {}
func (e *Break) element()               {}
func (e *Continue) element()            {}
func (e *Priority) element()            {}
func (e *Global) element()              {}
func (e *Log) element()                 {}
func (e *Print) element()               {}
