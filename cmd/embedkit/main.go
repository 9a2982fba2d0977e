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

// Command embedkit embeds text and images with pretrained encoder backbones.
//
// Usage:
//
//	embedkit embed <model> <text>...   # Text embeddings
//	embedkit image <model> <file>...   # Image embeddings
//	embedkit pull <model>...           # Download encoders from HuggingFace
//	embedkit backends                  # Show inference backends
//	embedkit bench <model>             # Time encoding and record metrics
package main

import "github.com/antflydb/embedkit/cmd/embedkit/cmd"

// Set by GoReleaser via -ldflags.
var version = "dev"

func main() {
	cmd.Version = version
	cmd.Execute()
}
