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

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coflow/coflow/ast"
	"github.com/coflow/coflow/flows"
)

func sampleState(t *testing.T) *flows.State {
	t.Helper()

	cfg := &flows.FlowConfig{
		ID:     "greeting",
		LoopID: "main",
		Elements: []ast.Element{
			&ast.SpecOp{Op: ast.OpMatch, Internal: true, Spec: &ast.Spec{
				Name:   "StartFlow",
				Kwargs: map[string]string{"flow_id": `"greeting"`},
			}},
			&ast.Assignment{Key: "count", Expression: "1"},
		},
	}
	cfg.ReindexLabels()

	s := flows.NewState(map[string]*flows.FlowConfig{"greeting": cfg})

	fs := flows.NewFlowState("", "greeting", "main")
	fs.Status = flows.FlowStarted
	fs.Context["count"] = 1.0
	s.AddFlowState(fs)

	return s
}

func openStorage(t *testing.T) (*Storage, context.Context) {
	t.Helper()
	ctx := context.Background()
	s, err := NewStorage(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	require.NoError(t, s.Open(ctx))
	t.Cleanup(func() { s.Close(ctx) })
	return s, ctx
}

func TestSessionRoundTrip(t *testing.T) {
	s, ctx := openStorage(t)

	st := sampleState(t)
	require.NoError(t, s.SaveSession(ctx, "crew1", "alice", st))

	got, err := s.LoadSession(ctx, "crew1", "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, len(st.FlowStates), len(got.FlowStates))
	for uid, fs := range got.FlowStates {
		require.Equal(t, st.FlowStates[uid].Status, fs.Status)
		require.Equal(t, st.FlowStates[uid].Context["count"], fs.Context["count"])
	}
	require.NoError(t, got.CheckIndexConsistency())
}

func TestLoadMissingSession(t *testing.T) {
	s, ctx := openStorage(t)

	got, err := s.LoadSession(ctx, "crew1", "nobody")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSessionIDsAndRemoval(t *testing.T) {
	s, ctx := openStorage(t)

	require.NoError(t, s.EnsureCrew(ctx, "crew1"))
	st := sampleState(t)
	require.NoError(t, s.SaveSession(ctx, "crew1", "alice", st))
	require.NoError(t, s.SaveSession(ctx, "crew1", "bob", st))

	ids, err := s.SessionIDs(ctx, "crew1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob"}, ids)

	require.NoError(t, s.RemSession(ctx, "crew1", "alice"))
	ids, err = s.SessionIDs(ctx, "crew1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"bob"}, ids)

	require.NoError(t, s.RemCrew(ctx, "crew1"))
	ids, err = s.SessionIDs(ctx, "crew1")
	require.NoError(t, err)
	require.Empty(t, ids)
}
