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

package machine

import (
	"math/rand"
	"testing"

	"go.uber.org/zap"

	"github.com/coflow/coflow/ast"
	"github.com/coflow/coflow/flows"
)

func testFlow(name string, elements ...ast.Element) *ast.Flow {
	return &ast.Flow{Name: name, Elements: elements}
}

func activeFlow(name string, elements ...ast.Element) *ast.Flow {
	f := testFlow(name, elements...)
	f.Decorators = []ast.Decorator{{Name: "active"}}
	return f
}

func matchEvent(name string, kwargs map[string]string) ast.Element {
	return &ast.SpecOp{Op: ast.OpMatch, Spec: &ast.Spec{Name: name, Kwargs: kwargs}}
}

func sendEvent(name string, kwargs map[string]string) ast.Element {
	return &ast.SpecOp{Op: ast.OpSend, Spec: &ast.Spec{Name: name, Kwargs: kwargs}}
}

func awaitSpec(name string, kwargs map[string]string) ast.Element {
	return &ast.SpecOp{Op: ast.OpAwait, Spec: &ast.Spec{Name: name, Kwargs: kwargs}}
}

func newRuntime(t *testing.T, seed int64, defs ...*ast.Flow) *Runtime {
	t.Helper()
	r, err := New(defs, Options{
		Logger: zap.NewNop(),
		Rand:   rand.New(rand.NewSource(seed)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Initialize(); err != nil {
		t.Fatal(err)
	}
	return r
}

func feed(t *testing.T, r *Runtime, m map[string]interface{}) []flows.Event {
	t.Helper()
	if err := r.RunToCompletion(flows.FromWire(m)); err != nil {
		t.Fatal(err)
	}
	if err := r.State().CheckIndexConsistency(); err != nil {
		t.Fatal(err)
	}
	return r.Outgoing()
}

func eventsNamed(events []flows.Event, name string) []flows.Event {
	var acc []flows.Event
	for _, e := range events {
		if e.Name == name {
			acc = append(acc, e)
		}
	}
	return acc
}

func TestHelloRound(t *testing.T) {
	r := newRuntime(t, 1, testFlow("main",
		matchEvent("UtteranceUserActionFinished", map[string]string{"final_transcript": `"hi"`}),
		awaitSpec("UtteranceBotAction", map[string]string{"script": `"Hello!"`}),
		matchEvent("UtteranceUserActionFinished", map[string]string{"final_transcript": `"hi"`}),
		awaitSpec("UtteranceBotAction", map[string]string{"script": `"Hello again!"`}),
	))

	out := feed(t, r, map[string]interface{}{
		"type": "UtteranceUserActionFinished", "final_transcript": "hi",
	})
	starts := eventsNamed(out, "StartUtteranceBotAction")
	if len(starts) != 1 {
		t.Fatalf("outgoing: %+v", out)
	}
	if got := starts[0].Arguments["script"]; got != "Hello!" {
		t.Fatalf("script: %v", got)
	}
	actionUID := starts[0].ActionUID
	if actionUID == "" {
		t.Fatal("no action uid on outgoing start")
	}

	out = feed(t, r, map[string]interface{}{
		"type": "UtteranceBotActionFinished", "action_uid": actionUID, "is_success": true,
	})
	if len(eventsNamed(out, "StartUtteranceBotAction")) != 0 {
		t.Fatalf("unexpected bot action: %+v", out)
	}

	out = feed(t, r, map[string]interface{}{
		"type": "UtteranceUserActionFinished", "final_transcript": "hi",
	})
	starts = eventsNamed(out, "StartUtteranceBotAction")
	if len(starts) != 1 || starts[0].Arguments["script"] != "Hello again!" {
		t.Fatalf("outgoing: %+v", out)
	}
}

func TestNonMatchingTranscript(t *testing.T) {
	r := newRuntime(t, 1, testFlow("main",
		matchEvent("UtteranceUserActionFinished", map[string]string{"final_transcript": `"hi"`}),
		awaitSpec("UtteranceBotAction", map[string]string{"script": `"Hello!"`}),
	))
	out := feed(t, r, map[string]interface{}{
		"type": "UtteranceUserActionFinished", "final_transcript": "bye",
	})
	if len(eventsNamed(out, "StartUtteranceBotAction")) != 0 {
		t.Fatalf("matched wrong transcript: %+v", out)
	}
}

func TestActionCoWin(t *testing.T) {
	race := func(name string) *ast.Flow {
		return activeFlow(name,
			matchEvent("TriggerEvent", nil),
			&ast.SpecOp{Op: ast.OpStart, Spec: &ast.Spec{
				Name:       "GestureBotAction",
				Kwargs:     map[string]string{"gesture": `"X"`},
				CaptureVar: "ref",
			}},
			&ast.SpecOp{Op: ast.OpMatch, Spec: &ast.Spec{
				Var:     "ref",
				Members: []ast.Member{{Name: "Finished"}},
			}},
		)
	}
	r := newRuntime(t, 1,
		testFlow("main", matchEvent("NeverHappens", nil)),
		race("racer one"), race("racer two"),
	)

	out := feed(t, r, map[string]interface{}{"type": "TriggerEvent"})
	starts := eventsNamed(out, "StartGestureBotAction")
	if len(starts) != 1 {
		t.Fatalf("want exactly one gesture start, got %d: %+v", len(starts), out)
	}

	var refs []flows.ActionRef
	for _, flowID := range []string{"racer one", "racer two"} {
		for _, fs := range r.State().InstancesOf(flowID) {
			if fs.Done() {
				continue
			}
			ref, is := fs.Context["ref"].(flows.ActionRef)
			if !is {
				t.Fatalf("flow '%s' has no action ref: %+v", flowID, fs.Context)
			}
			refs = append(refs, ref)
		}
	}
	if len(refs) != 2 || refs[0] != refs[1] {
		t.Fatalf("refs not shared: %+v", refs)
	}

	a, have := r.State().Actions[refs[0].ActionUID]
	if !have {
		t.Fatal("shared action missing from state")
	}
	if a.FlowScopeCount != 2 {
		t.Fatalf("flow scope count: %d", a.FlowScopeCount)
	}
	if len(r.State().Actions) != 1 {
		t.Fatalf("duplicate actions survived: %d", len(r.State().Actions))
	}
}

func TestWhenCaseWins(t *testing.T) {
	r := newRuntime(t, 1, testFlow("main",
		&ast.When{
			Cases: []ast.WhenCase{
				{Pattern: &ast.Spec{Name: "EventA"}, Body: []ast.Element{sendEvent("OutA", nil)}},
				{Pattern: &ast.Spec{Name: "EventB"}, Body: []ast.Element{sendEvent("OutB", nil)}},
			},
			Else: []ast.Element{sendEvent("OutZ", nil)},
		},
	))

	out := feed(t, r, map[string]interface{}{"type": "EventB"})
	if len(eventsNamed(out, "OutB")) != 1 {
		t.Fatalf("case body did not run: %+v", out)
	}
	if len(eventsNamed(out, "OutA")) != 0 || len(eventsNamed(out, "OutZ")) != 0 {
		t.Fatalf("losing branches ran: %+v", out)
	}
}

func TestWhenElseAfterAllCasesFail(t *testing.T) {
	failing := func(name string) *ast.Flow {
		return testFlow(name, &ast.Abort{})
	}
	r := newRuntime(t, 1,
		testFlow("main",
			matchEvent("GoEvent", nil),
			&ast.When{
				Cases: []ast.WhenCase{
					{Pattern: &ast.Spec{Name: "failing one"}, Body: []ast.Element{sendEvent("OutA", nil)}},
					{Pattern: &ast.Spec{Name: "failing two"}, Body: []ast.Element{sendEvent("OutB", nil)}},
				},
				Else: []ast.Element{sendEvent("OutZ", nil)},
			},
		),
		failing("failing one"), failing("failing two"),
	)

	out := feed(t, r, map[string]interface{}{"type": "GoEvent"})
	if len(eventsNamed(out, "OutZ")) != 1 {
		t.Fatalf("else body did not run exactly once: %+v", out)
	}
	if len(eventsNamed(out, "OutA")) != 0 || len(eventsNamed(out, "OutB")) != 0 {
		t.Fatalf("failed case bodies ran: %+v", out)
	}
}

func TestActivatedRestart(t *testing.T) {
	r := newRuntime(t, 1,
		testFlow("main", matchEvent("NeverHappens", nil)),
		activeFlow("echo",
			matchEvent("PingEvent", nil),
			sendEvent("PongEvent", nil),
		),
	)

	for round := 0; round < 3; round++ {
		out := feed(t, r, map[string]interface{}{"type": "PingEvent"})
		if len(eventsNamed(out, "PongEvent")) != 1 {
			t.Fatalf("round %d: %+v", round, out)
		}
	}

	// Exactly one live replacement instance at a time.
	live := 0
	for _, fs := range r.State().InstancesOf("echo") {
		if !fs.Done() {
			live++
		}
	}
	if live != 1 {
		t.Fatalf("live echo instances: %d", live)
	}
}

func TestFlowParameters(t *testing.T) {
	greet := testFlow("greet",
		sendEvent("GreetingOut", map[string]string{"who": "$name"}),
	)
	greet.Parameters = []ast.Parameter{{Name: "name", Default: `"stranger"`}}

	r := newRuntime(t, 1, testFlow("main",
		matchEvent("GoEvent", nil),
		&ast.SpecOp{Op: ast.OpStart, Spec: &ast.Spec{Name: "greet", Args: []string{`"Alice"`}}},
		matchEvent("NeverHappens", nil),
	), greet)

	out := feed(t, r, map[string]interface{}{"type": "GoEvent"})
	greets := eventsNamed(out, "GreetingOut")
	if len(greets) != 1 || greets[0].Arguments["who"] != "Alice" {
		t.Fatalf("outgoing: %+v", out)
	}
}

func TestAddFlows(t *testing.T) {
	r := newRuntime(t, 1, testFlow("main", matchEvent("NeverHappens", nil)))

	late := testFlow("late arrival",
		matchEvent("LateEvent", nil),
		sendEvent("LateOut", nil),
	)
	if err := r.AddFlows([]*ast.Flow{late}); err != nil {
		t.Fatal(err)
	}
	cfg, have := r.State().FlowConfigs["late arrival"]
	if !have {
		t.Fatal("config not spliced in")
	}
	// Every config begins with its start prologue.
	op, is := cfg.Elements[0].(*ast.SpecOp)
	if !is || op.Op != ast.OpMatch || !op.Internal {
		t.Fatalf("missing prologue: %+v", cfg.Elements[0])
	}
}

func TestUnhandledEvent(t *testing.T) {
	r := newRuntime(t, 1,
		testFlow("main", matchEvent("NeverHappens", nil)),
		activeFlow("fallback",
			&ast.SpecOp{Op: ast.OpMatch, Spec: &ast.Spec{
				Name:       flows.EventUnhandledEvent,
				CaptureVar: "unhandled",
			}},
			sendEvent("FallbackOut", map[string]string{"event": "$unhandled.event"}),
		),
	)

	out := feed(t, r, map[string]interface{}{"type": "SomethingOdd"})
	fb := eventsNamed(out, "FallbackOut")
	if len(fb) != 1 {
		t.Fatalf("fallback did not fire: %+v", out)
	}
	if fb[0].Arguments["event"] != "SomethingOdd" {
		t.Fatalf("fallback args: %+v", fb[0].Arguments)
	}
}

func TestColangErrorOnBadExpression(t *testing.T) {
	r := newRuntime(t, 1,
		testFlow("main", matchEvent("NeverHappens", nil)),
		activeFlow("broken",
			matchEvent("GoEvent", nil),
			&ast.Assignment{Key: "x", Expression: "$no_such_var + ("},
		),
		activeFlow("watcher",
			matchEvent(flows.EventColangError, nil),
			sendEvent("ErrorSeen", nil),
		),
	)

	out := feed(t, r, map[string]interface{}{"type": "GoEvent"})
	if len(eventsNamed(out, "ErrorSeen")) != 1 {
		t.Fatalf("error watcher did not fire: %+v", out)
	}
}

func TestDeterministicWithSeed(t *testing.T) {
	build := func(seed int64) *Runtime {
		// Two flows race to different gestures; the tie-break decides.
		racer := func(name, gesture string) *ast.Flow {
			return activeFlow(name,
				matchEvent("TriggerEvent", nil),
				awaitSpec("GestureBotAction", map[string]string{"gesture": `"` + gesture + `"`}),
			)
		}
		return newRuntime(t, seed,
			testFlow("main", matchEvent("NeverHappens", nil)),
			racer("left", "wave"), racer("right", "nod"),
		)
	}

	run := func(seed int64) []string {
		r := build(seed)
		out := feed(t, r, map[string]interface{}{"type": "TriggerEvent"})
		var names []string
		for _, e := range out {
			names = append(names, e.Name+"/"+flowArg(e, "gesture"))
		}
		return names
	}

	a, b := run(42), run(42)
	if len(a) != len(b) {
		t.Fatalf("runs differ: %v vs %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("runs differ at %d: %v vs %v", i, a, b)
		}
	}
}

func flowArg(e flows.Event, key string) string {
	s, _ := e.Arguments[key].(string)
	return s
}

func TestConflictEmitsSingleGesture(t *testing.T) {
	racer := func(name, gesture string) *ast.Flow {
		return activeFlow(name,
			matchEvent("TriggerEvent", nil),
			awaitSpec("GestureBotAction", map[string]string{"gesture": `"` + gesture + `"`}),
		)
	}
	r := newRuntime(t, 3,
		testFlow("main", matchEvent("NeverHappens", nil)),
		racer("left", "wave"), racer("right", "nod"),
	)

	out := feed(t, r, map[string]interface{}{"type": "TriggerEvent"})
	starts := eventsNamed(out, "StartGestureBotAction")
	if len(starts) != 1 {
		t.Fatalf("want one winner, got %d: %+v", len(starts), out)
	}
}

func TestMainFlowResets(t *testing.T) {
	r := newRuntime(t, 1, testFlow("main",
		matchEvent("GoEvent", nil),
		sendEvent("DoneOut", nil),
	))

	for round := 0; round < 2; round++ {
		out := feed(t, r, map[string]interface{}{"type": "GoEvent"})
		if len(eventsNamed(out, "DoneOut")) != 1 {
			t.Fatalf("round %d: %+v", round, out)
		}
	}

	main := r.State().FlowStates[r.State().MainFlowUID]
	if main == nil {
		t.Fatal("main flow gone")
	}
	if main.Done() {
		t.Fatalf("main flow not reset: %v", main.Status)
	}
}

func TestStopFlowEvent(t *testing.T) {
	r := newRuntime(t, 1,
		testFlow("main", matchEvent("NeverHappens", nil)),
		activeFlow("worker",
			matchEvent("WorkEvent", nil),
			sendEvent("WorkOut", nil),
		),
		activeFlow("killer",
			matchEvent("KillEvent", nil),
			&ast.SpecOp{Op: ast.OpStop, Spec: &ast.Spec{Name: "worker"}},
			matchEvent("NeverHappens", nil),
		),
	)

	feed(t, r, map[string]interface{}{"type": "KillEvent"})
	out := feed(t, r, map[string]interface{}{"type": "WorkEvent"})
	if len(eventsNamed(out, "WorkOut")) != 0 {
		t.Fatalf("stopped worker still ran: %+v", out)
	}
}

func TestWhenConjunctiveCaseFailureKeepsOtherCases(t *testing.T) {
	boom := func(name string) *ast.Flow {
		return testFlow(name, &ast.Abort{})
	}
	r := newRuntime(t, 1,
		testFlow("main",
			matchEvent("GoEvent", nil),
			&ast.When{
				Cases: []ast.WhenCase{
					{
						Pattern: &ast.Group{GroupOp: ast.GroupAnd, Items: []ast.SpecExpr{
							&ast.Spec{Name: "boom one"},
							&ast.Spec{Name: "boom two"},
						}},
						Body: []ast.Element{sendEvent("OutX", nil)},
					},
					{Pattern: &ast.Spec{Name: "ReadyEvent"}, Body: []ast.Element{sendEvent("OutY", nil)}},
				},
				Else: []ast.Element{sendEvent("OutZ", nil)},
			},
		),
		boom("boom one"), boom("boom two"),
	)

	// The conjunctive case fails, but that is one failed case of two:
	// the else body must not run yet.
	out := feed(t, r, map[string]interface{}{"type": "GoEvent"})
	if len(eventsNamed(out, "OutZ")) != 0 {
		t.Fatalf("else ran with a case still live: %+v", out)
	}
	if len(eventsNamed(out, "OutX")) != 0 || len(eventsNamed(out, "OutY")) != 0 {
		t.Fatalf("case bodies ran early: %+v", out)
	}

	// The surviving event case can still win.
	out = feed(t, r, map[string]interface{}{"type": "ReadyEvent"})
	if len(eventsNamed(out, "OutY")) != 1 {
		t.Fatalf("surviving case did not win: %+v", out)
	}
	if len(eventsNamed(out, "OutZ")) != 0 {
		t.Fatalf("else ran after a case won: %+v", out)
	}
}

func TestWhenElseAfterConjunctiveCasesFail(t *testing.T) {
	boom := func(name string) *ast.Flow {
		return testFlow(name, &ast.Abort{})
	}
	andGroup := func(a, b string) ast.SpecExpr {
		return &ast.Group{GroupOp: ast.GroupAnd, Items: []ast.SpecExpr{
			&ast.Spec{Name: a}, &ast.Spec{Name: b},
		}}
	}
	r := newRuntime(t, 1,
		testFlow("main",
			matchEvent("GoEvent", nil),
			&ast.When{
				Cases: []ast.WhenCase{
					{Pattern: andGroup("boom one", "boom two"), Body: []ast.Element{sendEvent("OutA", nil)}},
					{Pattern: andGroup("boom three", "boom four"), Body: []ast.Element{sendEvent("OutB", nil)}},
				},
				Else: []ast.Element{sendEvent("OutZ", nil)},
			},
		),
		boom("boom one"), boom("boom two"), boom("boom three"), boom("boom four"),
	)

	out := feed(t, r, map[string]interface{}{"type": "GoEvent"})
	if len(eventsNamed(out, "OutZ")) != 1 {
		t.Fatalf("else did not run exactly once: %+v", out)
	}
	if len(eventsNamed(out, "OutA")) != 0 || len(eventsNamed(out, "OutB")) != 0 {
		t.Fatalf("failed case bodies ran: %+v", out)
	}
}

func TestWhenElseAfterDisjunctionFails(t *testing.T) {
	boom := func(name string) *ast.Flow {
		return testFlow(name, &ast.Abort{})
	}
	r := newRuntime(t, 1,
		testFlow("main",
			matchEvent("GoEvent", nil),
			&ast.When{
				Cases: []ast.WhenCase{
					{
						Pattern: &ast.Group{GroupOp: ast.GroupOr, Items: []ast.SpecExpr{
							&ast.Spec{Name: "boom one"},
							&ast.Spec{Name: "boom two"},
						}},
						Body: []ast.Element{sendEvent("OutX", nil)},
					},
				},
				Else: []ast.Element{sendEvent("OutZ", nil)},
			},
		),
		boom("boom one"), boom("boom two"),
	)

	// Both alternatives fail, so the group's failure must reach the
	// enclosing case's catch and run the else body, not kill the flow.
	out := feed(t, r, map[string]interface{}{"type": "GoEvent"})
	if len(eventsNamed(out, "OutZ")) != 1 {
		t.Fatalf("else did not run exactly once: %+v", out)
	}
	if len(eventsNamed(out, "OutX")) != 0 {
		t.Fatalf("failed case body ran: %+v", out)
	}
}

func TestActivateReuseSharesInstanceRef(t *testing.T) {
	r := newRuntime(t, 1,
		testFlow("main",
			matchEvent("GoEvent", nil),
			&ast.SpecOp{Op: ast.OpActivate, Spec: &ast.Spec{Name: "pinger"}},
			&ast.SpecOp{Op: ast.OpActivate, Spec: &ast.Spec{Name: "pinger", CaptureVar: "ref"}},
			&ast.SpecOp{Op: ast.OpMatch, Spec: &ast.Spec{
				Var:     "ref",
				Members: []ast.Member{{Name: "Finished"}},
			}},
			sendEvent("AfterOut", nil),
		),
		testFlow("pinger", matchEvent("PingEvent", nil)),
	)

	out := feed(t, r, map[string]interface{}{"type": "GoEvent"})
	if len(eventsNamed(out, "AfterOut")) != 0 {
		t.Fatalf("ran past the reference match: %+v", out)
	}

	// The second activation reused the running instance; the captured
	// reference must follow that instance's completion.
	out = feed(t, r, map[string]interface{}{"type": "PingEvent"})
	if len(eventsNamed(out, "AfterOut")) != 1 {
		t.Fatalf("reference never resolved: %+v", out)
	}
}

func TestUnhandledEventPerLoop(t *testing.T) {
	worker := activeFlow("ping handler",
		matchEvent("PingEvent", nil),
		sendEvent("PongOut", nil),
	)
	worker.Decorators = append(worker.Decorators,
		ast.Decorator{Name: "loop", Kwargs: map[string]string{"id": "A"}})

	fallback := activeFlow("other loop fallback",
		matchEvent(flows.EventUnhandledEvent, map[string]string{"loop_id": `"B"`}),
		sendEvent("FallbackOut", nil),
	)
	fallback.Decorators = append(fallback.Decorators,
		ast.Decorator{Name: "loop", Kwargs: map[string]string{"id": "B"}})

	r := newRuntime(t, 1,
		testFlow("main", matchEvent("NeverHappens", nil)),
		worker, fallback,
	)

	// A match in loop A must not silence loop B's fallback.
	out := feed(t, r, map[string]interface{}{"type": "PingEvent"})
	if len(eventsNamed(out, "PongOut")) != 1 {
		t.Fatalf("handler did not run: %+v", out)
	}
	if len(eventsNamed(out, "FallbackOut")) != 1 {
		t.Fatalf("other loop missed the unhandled event: %+v", out)
	}
}

func TestPriorityBreaksConflict(t *testing.T) {
	racer := func(name, gesture, priority string) *ast.Flow {
		return activeFlow(name,
			&ast.Priority{Expression: priority},
			matchEvent("TriggerEvent", nil),
			awaitSpec("GestureBotAction", map[string]string{"gesture": `"` + gesture + `"`}),
		)
	}
	for seed := int64(0); seed < 5; seed++ {
		r := newRuntime(t, seed,
			testFlow("main", matchEvent("NeverHappens", nil)),
			racer("low", "wave", "0.5"), racer("high", "nod", "1.0"),
		)
		out := feed(t, r, map[string]interface{}{"type": "TriggerEvent"})
		starts := eventsNamed(out, "StartGestureBotAction")
		if len(starts) != 1 || starts[0].Arguments["gesture"] != "nod" {
			t.Fatalf("seed %d: priority ignored: %+v", seed, out)
		}
	}
}
