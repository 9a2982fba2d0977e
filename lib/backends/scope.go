// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backends

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned when work is submitted after the owner was closed.
var ErrClosed = errors.New("encoder is closed")

// InferenceScope serialises forward passes on models that are not safe for
// concurrent use. Enter blocks until the scope is free or ctx is done.
//
//	release, err := scope.Enter(ctx)
//	if err != nil {
//	    return err
//	}
//	defer release()
type InferenceScope struct {
	sem    *semaphore.Weighted
	closed atomic.Bool
}

// NewInferenceScope returns an open scope.
func NewInferenceScope() *InferenceScope {
	return &InferenceScope{sem: semaphore.NewWeighted(1)}
}

// Enter acquires the scope. The returned release func must be called exactly
// once on every path.
func (s *InferenceScope) Enter(ctx context.Context) (func(), error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for inference scope: %w", err)
	}
	if s.closed.Load() {
		s.sem.Release(1)
		return nil, ErrClosed
	}
	return func() { s.sem.Release(1) }, nil
}

// Close marks the scope closed and waits for an in-flight pass to finish.
// It returns true on the first call only.
func (s *InferenceScope) Close() bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	// Drain: acquiring here waits for the current holder to release.
	_ = s.sem.Acquire(context.Background(), 1)
	s.sem.Release(1)
	return true
}

// Closed reports whether Close was called.
func (s *InferenceScope) Closed() bool {
	return s.closed.Load()
}
