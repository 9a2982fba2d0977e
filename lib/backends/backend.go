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
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Backend represents an inference backend that can load models.
// Backends self-register via init() functions in their respective files.
type Backend interface {
	// Type returns the backend type identifier
	Type() BackendType

	// Name returns a human-readable name (e.g., "ONNX Runtime (CUDA)")
	Name() string

	// Available returns true if this backend can be used in the current environment.
	Available() bool

	// Priority returns the default priority (lower = higher priority).
	Priority() int

	// Loader returns the ModelLoader for this backend.
	Loader() ModelLoader
}

var (
	registry   = make(map[BackendType]Backend)
	registryMu sync.RWMutex
)

// defaultPriority orders backends when a SessionManager has none configured.
var defaultPriority = []BackendType{BackendONNX, BackendXLA, BackendGo}

// RegisterBackend registers a backend. Later registrations for the same type
// overwrite earlier ones.
func RegisterBackend(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Type()] = b
}

// GetBackend returns the backend for the given type, if registered.
func GetBackend(t BackendType) (Backend, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[t]
	return b, ok
}

// ListRegistered returns all registered backends, lowest Priority first.
func ListRegistered() []Backend {
	registryMu.RLock()
	list := slices.Collect(maps.Values(registry))
	registryMu.RUnlock()

	slices.SortFunc(list, func(a, b Backend) int {
		return cmp.Or(cmp.Compare(a.Priority(), b.Priority()), cmp.Compare(a.Type(), b.Type()))
	})
	return list
}

// Status describes a registered backend.
type Status struct {
	Type      BackendType `json:"type"`
	Name      string      `json:"name"`
	Available bool        `json:"available"`
	Priority  int         `json:"priority"`
}

// Statuses reports every registered backend in ListRegistered order.
func Statuses() []Status {
	list := ListRegistered()
	out := make([]Status, len(list))
	for i, b := range list {
		out[i] = Status{Type: b.Type(), Name: b.Name(), Available: b.Available(), Priority: b.Priority()}
	}
	return out
}

// DefaultPriority returns the built-in backend order.
func DefaultPriority() []BackendType {
	return slices.Clone(defaultPriority)
}

// ParseBackendType parses a string into BackendType.
func ParseBackendType(s string) (BackendType, error) {
	switch strings.ToLower(s) {
	case "onnx", "ort":
		return BackendONNX, nil
	case "xla":
		return BackendXLA, nil
	case "go", "gomlx", "simplego":
		return BackendGo, nil
	default:
		return "", fmt.Errorf("unknown backend type: %q (valid: onnx, xla, go)", s)
	}
}

// ParseDeviceType parses a string into DeviceType.
func ParseDeviceType(s string) (DeviceType, error) {
	switch strings.ToLower(s) {
	case "auto", "":
		return DeviceAuto, nil
	case "cuda", "gpu":
		return DeviceCUDA, nil
	case "tpu":
		return DeviceTPU, nil
	case "cpu", "off":
		return DeviceCPU, nil
	default:
		return "", fmt.Errorf("unknown device type: %q (valid: auto, cuda, tpu, cpu)", s)
	}
}

// ParseBackendSpec parses a "backend" or "backend:device" string.
// Examples: "onnx", "onnx:cuda", "xla:tpu", "go"
func ParseBackendSpec(s string) (BackendSpec, error) {
	parts := strings.SplitN(s, ":", 2)

	backend, err := ParseBackendType(parts[0])
	if err != nil {
		return BackendSpec{}, err
	}
	spec := BackendSpec{Backend: backend, Device: DeviceAuto}
	if len(parts) == 2 {
		device, err := ParseDeviceType(parts[1])
		if err != nil {
			return BackendSpec{}, err
		}
		spec.Device = device
	}
	return spec, nil
}

// ParseBackendPriority parses a list of backend:device strings.
func ParseBackendPriority(priority []string) ([]BackendSpec, error) {
	specs := make([]BackendSpec, 0, len(priority))
	for _, s := range priority {
		spec, err := ParseBackendSpec(s)
		if err != nil {
			return nil, fmt.Errorf("invalid backend priority %q: %w", s, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
