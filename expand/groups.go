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

// Package expand lowers high-level flow elements (when, await, start
// on groups, while, if) into the primitive instruction set that the
// scheduler executes.
//
// Expansion is a pure rewrite applied repeatedly until a fixed point:
// lowering one construct can surface another (an `if` body containing
// a `when`, say).  Re-running on fully primitive elements is a no-op.
package expand

import (
	"math/rand"

	"github.com/coflow/coflow/ast"
)

// NormalizeGroup rewrites a spec expression into disjunctive normal
// form: a single "or" group whose items are "and" groups of plain
// specs.  `and(A, or(B, C))` distributes to `or(and(A,B), and(A,C))`.
//
// The result is stable: normalizing an already-normalized group
// returns an equal group.
func NormalizeGroup(x ast.SpecExpr) *ast.Group {
	alts := alternatives(x)
	or := &ast.Group{GroupOp: ast.GroupOr, Items: make([]ast.SpecExpr, 0, len(alts))}
	for _, and := range alts {
		g := &ast.Group{GroupOp: ast.GroupAnd, Items: make([]ast.SpecExpr, 0, len(and))}
		for _, s := range and {
			g.Items = append(g.Items, s)
		}
		or.Items = append(or.Items, g)
	}
	return or
}

// alternatives returns the DNF as a list of conjunctions.
func alternatives(x ast.SpecExpr) [][]*ast.Spec {
	switch vv := x.(type) {
	case *ast.Spec:
		return [][]*ast.Spec{{vv}}
	case *ast.Group:
		switch vv.GroupOp {
		case ast.GroupOr:
			var acc [][]*ast.Spec
			for _, it := range vv.Items {
				acc = append(acc, alternatives(it)...)
			}
			return acc
		case ast.GroupAnd:
			// Distribute: cartesian product of the items'
			// alternatives.
			acc := [][]*ast.Spec{{}}
			for _, it := range vv.Items {
				sub := alternatives(it)
				next := make([][]*ast.Spec, 0, len(acc)*len(sub))
				for _, left := range acc {
					for _, right := range sub {
						row := make([]*ast.Spec, 0, len(left)+len(right))
						row = append(row, left...)
						row = append(row, right...)
						next = append(next, row)
					}
				}
				acc = next
			}
			return acc
		}
	}
	return nil
}

// labelAlphabet is used for generated label suffixes.
var labelAlphabet = []byte("abcdefghijklmnopqrstuvwxyz0123456789")

// gensym makes a short random suffix so that generated labels from
// repeated expansions of the same construct cannot collide.
func gensym(n int) string {
	bs := make([]byte, n)
	for i := range bs {
		bs[i] = labelAlphabet[rand.Intn(len(labelAlphabet))]
	}
	return string(bs)
}

func newLabel(prefix string) string {
	return "_" + prefix + "_" + gensym(8)
}
