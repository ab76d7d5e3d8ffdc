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
	"errors"
	"reflect"
	"strings"
	"testing"
)

func mustEval(t *testing.T, expr string, ctx map[string]interface{}) interface{} {
	t.Helper()
	v, err := New().Eval(expr, ctx)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func mustBool(t *testing.T, expr string, ctx map[string]interface{}) bool {
	t.Helper()
	b, err := New().EvalBool(expr, ctx)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestEvalArithmetic(t *testing.T) {
	v := mustEval(t, "$x + 1", map[string]interface{}{"x": int64(41)})
	n, is := v.(int64)
	if !is || n != 42 {
		t.Fatalf("got %#v", v)
	}
}

func TestEvalTranslation(t *testing.T) {
	ctx := map[string]interface{}{"x": int64(3), "s": "hi"}
	for expr, want := range map[string]bool{
		"$x > 1 and $s == 'hi'":  true,
		"$x > 1 or $s == 'bye'":  true,
		"not ($x > 1)":           false,
		"True":                   true,
		"False":                  false,
		"None == null":           true,
		`$s == "hi and bye"`:    false, // keywords inside strings stay put
	} {
		if got := mustBool(t, expr, ctx); got != want {
			t.Fatalf("%s: got %v, want %v", expr, got, want)
		}
	}
}

func TestEvalBoolEmptyExpression(t *testing.T) {
	if !mustBool(t, "", nil) {
		t.Fatal("empty expression should be true")
	}
	if !mustBool(t, "   ", nil) {
		t.Fatal("blank expression should be true")
	}
}

func TestEvalInnerExpression(t *testing.T) {
	// An inner expression is substituted as a quoted literal, so it
	// composes with the rest of the expression.
	ctx := map[string]interface{}{"name": "Ada"}
	v := mustEval(t, `"hello " + {{$name}}`, ctx)
	if v != "hello Ada" {
		t.Fatalf("got %#v", v)
	}
	v = mustEval(t, `{{1 + 2}}`, nil)
	if v != "3" {
		t.Fatalf("got %#v", v)
	}
}

func TestEvalInnerExpressionEscapes(t *testing.T) {
	// The inner result is spliced in as a quoted literal, so quotes
	// and backslashes in the value must survive.
	ctx := map[string]interface{}{"v": `say "hi"\now`}
	v := mustEval(t, `{{$v}}`, ctx)
	if v != `say "hi"\now` {
		t.Fatalf("got %#v", v)
	}
}

func TestEvalUnbalancedInner(t *testing.T) {
	_, err := New().Eval(`"hello {{$name"`, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	var ee *Error
	if !errors.As(err, &ee) {
		t.Fatalf("got a %T, want *Error", err)
	}
	if !strings.Contains(err.Error(), "unbalanced") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestEvalErrorNamesExpression(t *testing.T) {
	const expr = "no_such_function(1)"
	_, err := New().Eval(expr, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	var ee *Error
	if !errors.As(err, &ee) {
		t.Fatalf("got a %T, want *Error", err)
	}
	if ee.Expr != expr {
		t.Fatalf("error carries %q, want %q", ee.Expr, expr)
	}
	if !strings.Contains(err.Error(), `eval of "`+expr+`"`) {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestEvalBadRegexLiteral(t *testing.T) {
	_, err := New().Eval(`search(r"(", "x")`, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	var ee *Error
	if !errors.As(err, &ee) {
		t.Fatalf("got a %T, want *Error", err)
	}
}

func TestEvalRegexLiteral(t *testing.T) {
	ctx := map[string]interface{}{"s": "order 42 and 7"}
	if !mustBool(t, `search(r"\d+", $s)`, ctx) {
		t.Fatal("search should match")
	}
	if mustBool(t, `search(r"^\d+$", $s)`, ctx) {
		t.Fatal("anchored search should not match")
	}
	v := mustEval(t, `findall(r"\d+", $s)`, ctx)
	got, is := v.([]interface{})
	if !is {
		// goja may export []string directly.
		ss, is := v.([]string)
		if !is {
			t.Fatalf("got a %T", v)
		}
		if !reflect.DeepEqual(ss, []string{"42", "7"}) {
			t.Fatalf("got %#v", ss)
		}
		return
	}
	if !reflect.DeepEqual(got, []interface{}{"42", "7"}) {
		t.Fatalf("got %#v", got)
	}
}

func TestEvalRegexLiteralInString(t *testing.T) {
	// A quoted r"..." must not be treated as a regex literal.
	v := mustEval(t, `"a r\"b\" c"`, nil)
	if v != `a r"b" c` {
		t.Fatalf("got %#v", v)
	}
}

func TestEvalBuiltins(t *testing.T) {
	ctx := map[string]interface{}{
		"s":    "abc",
		"list": []interface{}{1.0, 2.0},
		"obj":  map[string]interface{}{"a": 1.0},
		"n":    2.0,
		"f":    2.5,
	}
	for expr, want := range map[string]bool{
		"len($s) == 3":       true,
		"len($list) == 2":    true,
		"len($obj) == 1":     true,
		"is_int($n)":         true,
		"is_int($f)":         false,
		"is_float($f)":       true,
		"is_bool(True)":      true,
		"is_str($s)":         true,
		"is_str($n)":         false,
		`str($n) == "2"`:     true,
		`str($f) == "2.5"`:   true,
	} {
		if got := mustBool(t, expr, ctx); got != want {
			t.Fatalf("%s: got %v, want %v", expr, got, want)
		}
	}
}

func TestEvalUID(t *testing.T) {
	a := mustEval(t, "uid()", nil)
	b := mustEval(t, "uid()", nil)
	as, is := a.(string)
	if !is || as == "" {
		t.Fatalf("got %#v", a)
	}
	if a == b {
		t.Fatal("uids should differ")
	}
}

func TestEvalFlowDescriptor(t *testing.T) {
	v := mustEval(t, `flow("bot greet")`, nil)
	m, is := v.(map[string]interface{})
	if !is || m["flow_id"] != "bot greet" {
		t.Fatalf("got %#v", v)
	}
}

func TestEvalComparisonBuiltins(t *testing.T) {
	v := mustEval(t, "less_than(5)", nil)
	c, is := v.(*Comparison)
	if !is {
		t.Fatalf("got a %T", v)
	}
	if !c.Matches(4) || c.Matches(5) {
		t.Fatalf("less_than(5) misbehaves: %#v", c)
	}

	v = mustEval(t, "equal_greater_than(2)", nil)
	c, is = v.(*Comparison)
	if !is {
		t.Fatalf("got a %T", v)
	}
	if !c.Matches(2.0) || c.Matches(1) || c.Matches("2") {
		t.Fatalf("equal_greater_than(2) misbehaves: %#v", c)
	}
}

func TestEvalBuiltinPanicBecomesError(t *testing.T) {
	_, err := New().Eval("len(True)", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	var ee *Error
	if !errors.As(err, &ee) {
		t.Fatalf("got a %T, want *Error", err)
	}
}

func TestTruthy(t *testing.T) {
	for _, x := range []interface{}{true, "x", int64(1), 1.5, []interface{}{1}, map[string]interface{}{"a": 1}} {
		if !Truthy(x) {
			t.Fatalf("%#v should be truthy", x)
		}
	}
	for _, x := range []interface{}{nil, false, "", int64(0), 0.0, []interface{}{}, map[string]interface{}{}} {
		if Truthy(x) {
			t.Fatalf("%#v should be falsy", x)
		}
	}
}

func TestStringify(t *testing.T) {
	for _, c := range []struct {
		in   interface{}
		want string
	}{
		{nil, ""},
		{"x", "x"},
		{3.0, "3"},
		{3.5, "3.5"},
		{true, "true"},
	} {
		if got := Stringify(c.in); got != c.want {
			t.Fatalf("Stringify(%#v) = %q, want %q", c.in, got, c.want)
		}
	}
}
