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

package crew

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
)

// TimerEntry represents a pending timer.  A TimerEntry with a Cron
// expression reschedules itself after each firing; otherwise it fires
// once at At.
type TimerEntry struct {
	ID   string
	Msg  map[string]interface{}
	At   time.Time
	Cron string

	Ctl chan bool `json:"-"`

	timers *Timers
}

// Timers represents pending timers.
type Timers struct {
	Map     map[string]*TimerEntry
	Emitter func(context.Context, *TimerEntry) `json:"-"`

	sync.Mutex
}

// NewTimers creates a Timers with the given function that the
// TimerEntries will use to emit their messages.
func NewTimers(emitter func(context.Context, *TimerEntry)) *Timers {
	return &Timers{
		Map:     make(map[string]*TimerEntry, 8),
		Emitter: emitter,
	}
}

func (ts *Timers) add(ctx context.Context, e *TimerEntry) error {
	if _, have := ts.Map[e.ID]; have {
		if err := ts.cancel(ctx, e.ID); err != nil {
			return err
		}
	}

	ts.Map[e.ID] = e
	e.timers = ts

	go e.run(ctx)

	return nil
}

// Add creates a new timer that will emit the given message after d
// (if the timer isn't cancelled first).  Adding a timer with an id
// that's already in use replaces the old timer.
func (ts *Timers) Add(ctx context.Context, id string, msg map[string]interface{}, d time.Duration) error {
	ts.Lock()
	defer ts.Unlock()

	e := &TimerEntry{
		ID:  id,
		At:  time.Now().UTC().Add(d),
		Msg: msg,
		Ctl: make(chan bool),
	}

	return ts.add(ctx, e)
}

// AddCron creates a repeating timer driven by the given cron
// expression.
func (ts *Timers) AddCron(ctx context.Context, id string, msg map[string]interface{}, expr string) error {
	c, err := cronexpr.Parse(expr)
	if err != nil {
		return fmt.Errorf("bad cron expression '%s': %v", expr, err)
	}

	ts.Lock()
	defer ts.Unlock()

	e := &TimerEntry{
		ID:   id,
		At:   c.Next(time.Now().UTC()),
		Cron: expr,
		Msg:  msg,
		Ctl:  make(chan bool),
	}

	return ts.add(ctx, e)
}

// run waits for the appointed time and then emits the entry's message
// if the entry isn't cancelled first.
func (te *TimerEntry) run(ctx context.Context) {
	for {
		t := time.NewTimer(time.Until(te.At))
		select {
		case <-t.C:
			te.timers.Emitter(ctx, te)
			if te.Cron != "" {
				if c, err := cronexpr.Parse(te.Cron); err == nil {
					te.At = c.Next(time.Now().UTC())
					continue
				}
			}
			te.timers.Lock()
			delete(te.timers.Map, te.ID)
			te.timers.Unlock()
		case <-te.Ctl:
			t.Stop()
		case <-ctx.Done():
			t.Stop()
		}
		return
	}
}

func (ts *Timers) cancel(ctx context.Context, id string) error {
	t, have := ts.Map[id]
	if !have {
		return fmt.Errorf("timer '%s' doesn't exist", id)
	}
	delete(ts.Map, id)

	close(t.Ctl)

	return nil
}

// Cancel attempts to cancel the timer with the given id.
func (ts *Timers) Cancel(ctx context.Context, id string) error {
	ts.Lock()
	defer ts.Unlock()
	return ts.cancel(ctx, id)
}

// CancelAll cancels every pending timer.
func (ts *Timers) CancelAll(ctx context.Context) {
	ts.Lock()
	defer ts.Unlock()
	for id, t := range ts.Map {
		delete(ts.Map, id)
		close(t.Ctl)
	}
}
