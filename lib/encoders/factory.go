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

package encoders

import (
	"fmt"

	"github.com/antflydb/embedkit/lib/backends"
	"github.com/antflydb/embedkit/lib/pipelines"
	"go.uber.org/zap"
)

// New inspects cfg.ModelPath and constructs the matching encoder: a
// JointEncoder when both a visual and a text tower are present, otherwise a
// TextSequenceEncoder.
func New(cfg Config, sm *backends.SessionManager, logger *zap.Logger) (Encoder, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	mc, err := pipelines.LoadModelConfig(cfg.ModelPath)
	if err != nil {
		return nil, err
	}

	switch variant := mc.Variant(); variant {
	case pipelines.VariantJoint:
		enc, err := newJointEncoder(cfg, mc, sm, logger)
		if err != nil {
			return nil, err
		}
		return enc, nil
	case pipelines.VariantText:
		enc, err := newTextSequenceEncoder(cfg, mc, sm, logger)
		if err != nil {
			return nil, err
		}
		return enc, nil
	default:
		return nil, fmt.Errorf("unsupported encoder variant %q", variant)
	}
}
