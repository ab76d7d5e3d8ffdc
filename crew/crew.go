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

// Package crew runs multiple independent conversations over one set
// of flow definitions.  Each session owns its own runtime and is
// single-threaded internally; the crew serializes access per session
// so callers can feed events from any goroutine.
package crew

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"github.com/coflow/coflow/ast"
	"github.com/coflow/coflow/machine"
)

// Crew owns the sessions of one deployment.
type Crew struct {
	sync.RWMutex

	ID       string              `json:"id"`
	Sessions map[string]*Session `json:"sessions"`

	defs []*ast.Flow
	opts machine.Options
	log  *zap.Logger
}

// NewCrew makes a crew over the given flow definitions.  Sessions are
// created on demand by Session.
func NewCrew(id string, defs []*ast.Flow, opts machine.Options) *Crew {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Crew{
		ID:       id,
		Sessions: map[string]*Session{},
		defs:     defs,
		opts:     opts,
		log:      log,
	}
}

// Session returns the session with the given id, creating and
// initializing it if needed.
func (c *Crew) Session(ctx context.Context, id string) (*Session, error) {
	c.Lock()
	defer c.Unlock()

	if s, have := c.Sessions[id]; have {
		return s, nil
	}

	opts := c.opts
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(int64(len(id)) + int64(len(c.Sessions))))
	}
	rt, err := machine.New(c.defs, opts)
	if err != nil {
		return nil, err
	}
	if err := rt.Initialize(); err != nil {
		return nil, err
	}

	s := &Session{
		ID:      id,
		CrewID:  c.ID,
		Runtime: rt,
		log:     c.log.With(zap.String("session", id)),
	}
	s.timers = NewTimers(s.emitTimerEvent)
	c.Sessions[id] = s
	return s, nil
}

// Remove drops a session and cancels its timers.
func (c *Crew) Remove(ctx context.Context, id string) error {
	c.Lock()
	defer c.Unlock()
	s, have := c.Sessions[id]
	if !have {
		return fmt.Errorf("session '%s' doesn't exist", id)
	}
	s.timers.CancelAll(ctx)
	delete(c.Sessions, id)
	return nil
}

// IDs lists the current session ids.
func (c *Crew) IDs() []string {
	c.RLock()
	defer c.RUnlock()
	ids := make([]string, 0, len(c.Sessions))
	for id := range c.Sessions {
		ids = append(ids, id)
	}
	return ids
}
