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

package eval

import (
	"github.com/dlclark/regexp2"
)

// Regex is a compiled r"..." literal.  regexp2 gives the
// backtracking semantics (lookarounds and friends) that flow authors
// expect from these patterns.
type Regex struct {
	Pattern string
	re      *regexp2.Regexp
}

// CompileRegex compiles a pattern.
func CompileRegex(pattern string) (*Regex, error) {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, err
	}
	return &Regex{Pattern: pattern, re: re}, nil
}

// Search reports whether the pattern occurs anywhere in s.
func (r *Regex) Search(s string) bool {
	ok, err := r.re.MatchString(s)
	return err == nil && ok
}

// FindAll returns every non-overlapping match in s.
func (r *Regex) FindAll(s string) []string {
	var acc []string
	m, err := r.re.FindStringMatch(s)
	for err == nil && m != nil {
		acc = append(acc, m.String())
		m, err = r.re.FindNextMatch(m)
	}
	return acc
}

// CmpOp is a comparison operator.
type CmpOp string

const (
	CmpLess         CmpOp = "lt"
	CmpGreater      CmpOp = "gt"
	CmpLessEqual    CmpOp = "lte"
	CmpGreaterEqual CmpOp = "gte"
	CmpNotEqual     CmpOp = "ne"
)

// Comparison is a deferred comparison usable as a match argument:
// `match Event(x=less_than(5))` succeeds when the event's x compares
// true against Ref.
type Comparison struct {
	Op  CmpOp
	Ref float64
}

// Matches applies the comparison to an actual value.  Non-numeric
// values never match.
func (c *Comparison) Matches(x interface{}) bool {
	var v float64
	switch vv := x.(type) {
	case float64:
		v = vv
	case float32:
		v = float64(vv)
	case int:
		v = float64(vv)
	case int32:
		v = float64(vv)
	case int64:
		v = float64(vv)
	default:
		return false
	}
	switch c.Op {
	case CmpLess:
		return v < c.Ref
	case CmpGreater:
		return v > c.Ref
	case CmpLessEqual:
		return v <= c.Ref
	case CmpGreaterEqual:
		return v >= c.Ref
	case CmpNotEqual:
		return v != c.Ref
	default:
		return false
	}
}
