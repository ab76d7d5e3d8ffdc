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

// Package store persists session states in a bolt database.  Each
// crew gets a bucket, and each session's serialized state is a value
// in that bucket keyed by session id.
package store

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/coflow/coflow/codec"
	"github.com/coflow/coflow/flows"
)

// Storage is a type of persistence.
type Storage struct {
	filename string
	db       *bolt.DB
}

// NewStorage takes a filename and returns a Storage.  Call Open
// before use.
func NewStorage(filename string) (*Storage, error) {
	return &Storage{
		filename: filename,
	}, nil
}

// Open opens the underlying database.
func (s *Storage) Open(ctx context.Context) error {
	opts := &bolt.Options{
		Timeout: time.Second,
	}

	db, err := bolt.Open(s.filename, 0644, opts)
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

// Close closes the underlying database.
func (s *Storage) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureCrew creates the crew's bucket if it doesn't exist.
func (s *Storage) EnsureCrew(ctx context.Context, cid string) error {
	if s == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(cid))
		return err
	})
}

// RemCrew deletes the crew's bucket and everything in it.
func (s *Storage) RemCrew(ctx context.Context, cid string) error {
	if s == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.DeleteBucket([]byte(cid))
	})
}

// SaveSession writes one session's state.
func (s *Storage) SaveSession(ctx context.Context, cid, sid string, state *flows.State) error {
	if s == nil {
		return nil
	}
	bs, err := codec.EncodeState(state)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(cid))
		if err != nil {
			return err
		}
		return b.Put([]byte(sid), bs)
	})
}

// LoadSession reads one session's state.  Returns nil (and no error)
// when the session was never saved.
func (s *Storage) LoadSession(ctx context.Context, cid, sid string) (*flows.State, error) {
	if s == nil {
		return nil, nil
	}
	var bs []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cid))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(sid)); v != nil {
			bs = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || bs == nil {
		return nil, err
	}
	return codec.DecodeState(bs)
}

// RemSession deletes one session's state.
func (s *Storage) RemSession(ctx context.Context, cid, sid string) error {
	if s == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cid))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(sid))
	})
}

// SessionIDs lists the saved sessions of a crew.
func (s *Storage) SessionIDs(ctx context.Context, cid string) ([]string, error) {
	if s == nil {
		return nil, nil
	}
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cid))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}
