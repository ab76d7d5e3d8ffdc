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
	"fmt"

	"github.com/dop251/goja"
	"github.com/google/uuid"
)

// installFuncs registers the restricted builtin function set.  The
// functions panic with plain values on misuse; runGuarded turns those
// panics into eval errors.
func installFuncs(vm *goja.Runtime) {
	vm.Set("len", func(x interface{}) int {
		switch vv := export(x).(type) {
		case string:
			return len(vv)
		case []interface{}:
			return len(vv)
		case map[string]interface{}:
			return len(vv)
		case nil:
			return 0
		default:
			panic(fmt.Sprintf("len of a %T", vv))
		}
	})

	vm.Set("uid", func() string {
		return uuid.NewString()
	})

	vm.Set("str", func(x interface{}) string {
		return Stringify(export(x))
	})

	vm.Set("escape", func(x interface{}) string {
		s, is := export(x).(string)
		if !is {
			panic("escape wants a string")
		}
		return EscapeString(s)
	})

	// flow(name) makes a flow descriptor usable as a send/stop
	// target.
	vm.Set("flow", func(name string) map[string]interface{} {
		return map[string]interface{}{
			"flow_id": name,
		}
	})

	vm.Set("is_int", func(x interface{}) bool {
		switch vv := export(x).(type) {
		case int64:
			return true
		case float64:
			return vv == float64(int64(vv))
		default:
			return false
		}
	})
	vm.Set("is_float", func(x interface{}) bool {
		switch export(x).(type) {
		case float64, int64:
			return true
		default:
			return false
		}
	})
	vm.Set("is_bool", func(x interface{}) bool {
		_, is := export(x).(bool)
		return is
	})
	vm.Set("is_str", func(x interface{}) bool {
		_, is := export(x).(string)
		return is
	})

	vm.Set("search", func(pattern, s interface{}) bool {
		re := asRegex(pattern)
		str, is := export(s).(string)
		if !is {
			str = Stringify(export(s))
		}
		return re.Search(str)
	})

	vm.Set("findall", func(pattern, s interface{}) []string {
		re := asRegex(pattern)
		str, is := export(s).(string)
		if !is {
			str = Stringify(export(s))
		}
		return re.FindAll(str)
	})

	vm.Set("regex", func(pattern string) *Regex {
		re, err := CompileRegex(pattern)
		if err != nil {
			panic(err.Error())
		}
		return re
	})

	vm.Set("less_than", func(x float64) *Comparison {
		return &Comparison{Op: CmpLess, Ref: x}
	})
	vm.Set("greater_than", func(x float64) *Comparison {
		return &Comparison{Op: CmpGreater, Ref: x}
	})
	vm.Set("equal_less_than", func(x float64) *Comparison {
		return &Comparison{Op: CmpLessEqual, Ref: x}
	})
	vm.Set("equal_greater_than", func(x float64) *Comparison {
		return &Comparison{Op: CmpGreaterEqual, Ref: x}
	})
	vm.Set("not_equal_to", func(x float64) *Comparison {
		return &Comparison{Op: CmpNotEqual, Ref: x}
	})
}

func export(x interface{}) interface{} {
	if v, is := x.(goja.Value); is {
		return v.Export()
	}
	return x
}

func asRegex(x interface{}) *Regex {
	switch vv := export(x).(type) {
	case *Regex:
		return vv
	case string:
		re, err := CompileRegex(vv)
		if err != nil {
			panic(err.Error())
		}
		return re
	default:
		panic(fmt.Sprintf("a %T is not a regex", vv))
	}
}
