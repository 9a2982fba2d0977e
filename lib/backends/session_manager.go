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
	"errors"
	"fmt"
	"sync"
)

// ErrManagerClosed is returned by a SessionManager after Close.
var ErrManagerClosed = errors.New("session manager is closed")

// SessionManager selects backends and hands out model loaders.
// It keeps at most one loader per backend type.
//
//	manager := backends.NewSessionManager()
//	defer manager.Close()
//
//	manager.SetPriority([]BackendSpec{
//	    {Backend: BackendONNX, Device: DeviceCUDA},
//	    {Backend: BackendGo, Device: DeviceCPU},
//	})
//
//	model, backend, err := manager.LoadModel(modelPath, nil, WithONNXFile("text_model.onnx"))
type SessionManager struct {
	loaders  map[BackendType]ModelLoader
	priority []BackendSpec
	mu       sync.RWMutex
	closed   bool
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		loaders: make(map[BackendType]ModelLoader),
	}
}

// SetPriority configures the backend order with device preferences.
func (sm *SessionManager) SetPriority(priority []BackendSpec) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.priority = make([]BackendSpec, len(priority))
	copy(sm.priority, priority)
}

// getPriority returns the configured priority or DefaultPriority.
// Callers hold sm.mu.
func (sm *SessionManager) getPriority() []BackendSpec {
	if len(sm.priority) > 0 {
		result := make([]BackendSpec, len(sm.priority))
		copy(result, sm.priority)
		return result
	}
	defaults := DefaultPriority()
	result := make([]BackendSpec, len(defaults))
	for i, bt := range defaults {
		result[i] = BackendSpec{Backend: bt, Device: DeviceAuto}
	}
	return result
}

// GetLoader returns the loader for a backend, creating it on first use.
func (sm *SessionManager) GetLoader(backend BackendType) (ModelLoader, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.closed {
		return nil, ErrManagerClosed
	}
	if loader, ok := sm.loaders[backend]; ok {
		return loader, nil
	}

	b, ok := GetBackend(backend)
	if !ok {
		return nil, fmt.Errorf("backend %q not registered", backend)
	}
	if !b.Available() {
		return nil, fmt.Errorf("backend %q not available", backend)
	}

	loader := b.Loader()
	sm.loaders[backend] = loader
	return loader, nil
}

// GetLoaderForModel returns the first loader, in priority order, that the
// model allows. An empty modelBackends list allows every backend.
func (sm *SessionManager) GetLoaderForModel(modelBackends []string) (ModelLoader, BackendSpec, error) {
	sm.mu.RLock()
	priority := sm.getPriority()
	sm.mu.RUnlock()

	allowed := make(map[BackendType]bool, len(modelBackends))
	for _, b := range modelBackends {
		if bt, err := ParseBackendType(b); err == nil {
			allowed[bt] = true
		}
	}

	var lastErr error
	for _, spec := range priority {
		if len(modelBackends) > 0 && !allowed[spec.Backend] {
			continue
		}
		loader, err := sm.GetLoader(spec.Backend)
		if err == nil {
			return loader, spec, nil
		}
		if errors.Is(err, ErrManagerClosed) {
			return nil, BackendSpec{}, err
		}
		lastErr = err
	}

	if lastErr != nil {
		return nil, BackendSpec{}, fmt.Errorf("no available backends matching %v: last error: %w", modelBackends, lastErr)
	}
	return nil, BackendSpec{}, fmt.Errorf("no available backends matching %v", modelBackends)
}

// LoadModel loads a model with the best allowed backend. The device from the
// chosen BackendSpec is applied before opts, so explicit options win.
func (sm *SessionManager) LoadModel(path string, modelBackends []string, opts ...LoadOption) (Model, BackendType, error) {
	loader, spec, err := sm.GetLoaderForModel(modelBackends)
	if err != nil {
		return nil, "", err
	}

	all := append([]LoadOption{WithDevice(spec.Device)}, opts...)
	model, err := loader.Load(path, all...)
	if err != nil {
		return nil, "", fmt.Errorf("loading model with %s backend: %w", spec, err)
	}
	return model, spec.Backend, nil
}

// Close releases all loaders. The manager cannot be reused afterwards.
func (sm *SessionManager) Close() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.loaders = nil
	sm.closed = true
	return nil
}
