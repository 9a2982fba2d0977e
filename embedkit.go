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

// Package embedkit serves pretrained encoders by name.
//
// An EncoderRegistry resolves a model identifier to a local directory
// (pulling it from HuggingFace when enabled), loads the matching encoder on
// first use and unloads it after a keep-alive period:
//
//	reg, err := embedkit.NewEncoderRegistry(embedkit.DefaultConfig(), logger)
//	if err != nil {
//	    return err
//	}
//	defer reg.Close()
//
//	vecs, err := reg.EncodeLang(ctx, "openai/clip-vit-base-patch32", []string{"open the drawer"})
//	out, err := reg.EmbedText(ctx, "google-t5/t5-base", texts, false)
//
// The encoders themselves live in lib/encoders; lib/metrics records training
// or evaluation scalars from rank 0 of a distributed job.
package embedkit
