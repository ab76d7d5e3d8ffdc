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

// Package eval evaluates the expression strings embedded in flow
// elements against a flow's variable context.
//
// Expressions use a small Python-flavored surface syntax ($vars,
// and/or/not, True/False/None, r"..." regex literals, {{...}}
// pre-evaluated inner expressions).  They are translated to
// ECMAScript and run on goja with a restricted set of builtin
// functions.  Every failure comes back as an *Error carrying the
// original expression text; the evaluator never panics into the
// scheduler.
package eval

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// Error wraps any failure with the expression that caused it.
type Error struct {
	Expr string
	Err  error
}

func (e *Error) Error() string {
	return `eval of "` + e.Expr + `": ` + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Evaluator evaluates expressions.  The zero value is not usable; use
// New.
type Evaluator struct {
	// MaxInnerDepth bounds {{...}} recursion.
	MaxInnerDepth int
}

// New makes an Evaluator.
func New() *Evaluator {
	return &Evaluator{
		MaxInnerDepth: 8,
	}
}

// Eval evaluates the expression against the context.  Context values
// should be plain data (maps, slices, numbers, strings, booleans) or
// the types this package defines (*Regex, *Comparison).
func (e *Evaluator) Eval(expr string, ctx map[string]interface{}) (interface{}, error) {
	return e.eval(expr, ctx, 0)
}

// EvalBool evaluates the expression and reports its truthiness.  An
// empty expression is true, which is what generated unconditional
// Goto elements rely on.
func (e *Evaluator) EvalBool(expr string, ctx map[string]interface{}) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	v, err := e.Eval(expr, ctx)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

func (e *Evaluator) eval(expr string, ctx map[string]interface{}, depth int) (interface{}, error) {
	if depth > e.MaxInnerDepth {
		return nil, &Error{expr, errors.New("inner expressions nested too deeply")}
	}

	src, err := e.expandInner(expr, ctx, depth)
	if err != nil {
		return nil, err
	}

	locals := make(map[string]interface{})
	src, err = extractRegexLiterals(src, locals)
	if err != nil {
		return nil, &Error{expr, err}
	}

	src = translate(src)

	vm := goja.New()
	for name, val := range ctx {
		if !validIdent(name) {
			continue
		}
		vm.Set(name, val)
	}
	for name, val := range locals {
		vm.Set(name, val)
	}
	installFuncs(vm)

	v, err := runGuarded(vm, src)
	if err != nil {
		return nil, &Error{expr, err}
	}
	return v, nil
}

// runGuarded runs the script, converting goja panics (thrown Go
// values from builtins) into errors.
func runGuarded(vm *goja.Runtime, src string) (x interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	v, err := vm.RunString(src)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.Export(), nil
}

// expandInner pre-evaluates {{...}} segments and substitutes each
// result as a quoted string.
func (e *Evaluator) expandInner(expr string, ctx map[string]interface{}, depth int) (string, error) {
	for {
		start := strings.Index(expr, "{{")
		if start < 0 {
			return expr, nil
		}
		end := strings.Index(expr[start:], "}}")
		if end < 0 {
			return "", &Error{expr, errors.New("unbalanced {{")}
		}
		end += start
		inner := expr[start+2 : end]
		v, err := e.eval(inner, ctx, depth+1)
		if err != nil {
			return "", &Error{expr, err}
		}
		expr = expr[:start] + `"` + EscapeString(Stringify(v)) + `"` + expr[end+2:]
	}
}

// extractRegexLiterals rewrites each r"..." literal into a generated
// local bound to a compiled *Regex.
func extractRegexLiterals(src string, locals map[string]interface{}) (string, error) {
	var out strings.Builder
	n := 0
	for i := 0; i < len(src); i++ {
		c := src[i]
		if (c == '"' || c == '\'') && !(i > 0 && src[i-1] == 'r') {
			j, err := skipString(src, i)
			if err != nil {
				return "", err
			}
			out.WriteString(src[i:j])
			i = j - 1
			continue
		}
		if c == 'r' && i+1 < len(src) && (src[i+1] == '"' || src[i+1] == '\'') &&
			(i == 0 || !identByte(src[i-1])) {
			j, err := skipString(src, i+1)
			if err != nil {
				return "", err
			}
			pat := src[i+2 : j-1]
			re, err := CompileRegex(pat)
			if err != nil {
				return "", err
			}
			name := fmt.Sprintf("__regex_%d", n)
			n++
			locals[name] = re
			out.WriteString(name)
			i = j - 1
			continue
		}
		out.WriteByte(c)
	}
	return out.String(), nil
}

// skipString returns the index just past the string literal that
// starts at i.
func skipString(src string, i int) (int, error) {
	quote := src[i]
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case quote:
			return j + 1, nil
		}
	}
	return 0, errors.New("unterminated string literal")
}

// translate rewrites the Python-flavored tokens to ECMAScript.  It
// walks the source byte-wise so that string literals are left alone.
func translate(src string) string {
	var out strings.Builder
	for i := 0; i < len(src); i++ {
		c := src[i]
		if c == '"' || c == '\'' {
			j, err := skipString(src, i)
			if err != nil {
				out.WriteString(src[i:])
				return out.String()
			}
			out.WriteString(src[i:j])
			i = j - 1
			continue
		}
		if c == '$' {
			// $name becomes a plain identifier.
			continue
		}
		if identStartByte(c) {
			j := i + 1
			for j < len(src) && identByte(src[j]) {
				j++
			}
			word := src[i:j]
			switch word {
			case "and":
				out.WriteString("&&")
			case "or":
				out.WriteString("||")
			case "not":
				out.WriteString("!")
			case "True":
				out.WriteString("true")
			case "False":
				out.WriteString("false")
			case "None":
				out.WriteString("null")
			default:
				out.WriteString(word)
			}
			i = j - 1
			continue
		}
		out.WriteByte(c)
	}
	return out.String()
}

func identStartByte(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func identByte(c byte) bool {
	return identStartByte(c) || ('0' <= c && c <= '9')
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	if !identStartByte(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !identByte(s[i]) {
			return false
		}
	}
	return true
}

// Truthy reports Python-ish truthiness for an exported value.
func Truthy(x interface{}) bool {
	switch vv := x.(type) {
	case nil:
		return false
	case bool:
		return vv
	case string:
		return vv != ""
	case int64:
		return vv != 0
	case float64:
		return vv != 0
	case []interface{}:
		return len(vv) != 0
	case map[string]interface{}:
		return len(vv) != 0
	default:
		return true
	}
}

// Stringify renders a value the way expression substitution and the
// `str` builtin want: strings unquoted, everything else JSON-ish.
func Stringify(x interface{}) string {
	switch vv := x.(type) {
	case nil:
		return ""
	case string:
		return vv
	case float64:
		// Render integral floats without the trailing ".0...".
		if vv == float64(int64(vv)) {
			return fmt.Sprintf("%d", int64(vv))
		}
		return fmt.Sprintf("%v", vv)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// EscapeString escapes backslashes and double quotes so the result
// can be spliced into a double-quoted literal.
func EscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}
