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

// Package modelregistry resolves backbone identifiers to local model
// directories, pulling missing ones from the HuggingFace Hub.
package modelregistry

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// Variants are the encoder graph precisions a pull can select. The empty
// variant is the full-precision export.
var Variants = []string{"fp16", "quantized", "q4", "q4f16", "int8"}

// ModelRef is a parsed model identifier of the form
// [hf:]owner/name[:variant].
type ModelRef struct {
	// Owner is the namespace (e.g., "google-t5").
	Owner string
	// Name is the repository name (e.g., "t5-base").
	Name string
	// Variant selects quantized or reduced-precision graphs.
	Variant string
	// IsHuggingFace is set for hf: prefixed references.
	IsHuggingFace bool
}

// ParseModelRef parses a model reference.
func ParseModelRef(ref string) (ModelRef, error) {
	if ref == "" {
		return ModelRef{}, fmt.Errorf("empty model reference")
	}

	var result ModelRef
	if after, ok := strings.CutPrefix(ref, "hf:"); ok {
		result.IsHuggingFace = true
		ref = after
	}

	if idx := strings.LastIndex(ref, ":"); idx != -1 {
		result.Variant = ref[idx+1:]
		ref = ref[:idx]
		if result.Variant != "" && !slices.Contains(Variants, result.Variant) {
			return ModelRef{}, fmt.Errorf("invalid variant %q: valid variants are %v", result.Variant, Variants)
		}
	}

	if owner, name, ok := strings.Cut(ref, "/"); ok {
		result.Owner = owner
		result.Name = name
	} else {
		result.Name = ref
	}
	if result.Name == "" || strings.Contains(result.Name, "/") {
		return ModelRef{}, fmt.Errorf("invalid model reference %q", ref)
	}
	return result, nil
}

// RepoID returns "owner/name", or just the name without an owner.
func (r ModelRef) RepoID() string {
	if r.Owner == "" {
		return r.Name
	}
	return r.Owner + "/" + r.Name
}

// DirPath returns the directory of the model relative to a models dir.
func (r ModelRef) DirPath() string {
	if r.Owner == "" {
		return r.Name
	}
	return filepath.Join(r.Owner, r.Name)
}

func (r ModelRef) String() string {
	s := r.RepoID()
	if r.Variant != "" {
		s += ":" + r.Variant
	}
	if r.IsHuggingFace {
		s = "hf:" + s
	}
	return s
}
