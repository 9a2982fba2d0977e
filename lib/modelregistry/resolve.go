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

package modelregistry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrModelNotFound is returned when an identifier resolves to no local
// directory and pulling is disabled or impossible.
var ErrModelNotFound = errors.New("model not found")

// Resolver maps model identifiers to local directories.
type Resolver struct {
	modelsDir string
	pull      bool
	client    *HuggingFaceClient
	logger    *zap.Logger
	group     singleflight.Group
}

// NewResolver returns a Resolver rooted at modelsDir. With pull set,
// missing owner/name identifiers are downloaded with client.
func NewResolver(modelsDir string, pull bool, client *HuggingFaceClient, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = NewHuggingFaceClient(WithHFLogger(logger))
	}
	return &Resolver{modelsDir: modelsDir, pull: pull, client: client, logger: logger}
}

// Resolve returns the local directory for identifier:
//  1. an existing directory path is returned as is;
//  2. <modelsDir>/<owner>/<name> when present;
//  3. otherwise the model is pulled from the Hub, when enabled.
//
// Concurrent resolutions of the same identifier share one pull.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (string, error) {
	if isDir(identifier) {
		return filepath.Abs(identifier)
	}

	ref, err := ParseModelRef(identifier)
	if err != nil {
		return "", err
	}
	if r.modelsDir != "" {
		local := filepath.Join(r.modelsDir, ref.DirPath())
		if isDir(local) {
			return local, nil
		}
	}

	if !r.pull || r.modelsDir == "" || ref.Owner == "" {
		return "", fmt.Errorf("%w: %s", ErrModelNotFound, identifier)
	}

	dir, err, shared := r.group.Do(ref.String(), func() (any, error) {
		r.logger.Info("Pulling model", zap.String("model", ref.String()), zap.String("modelsDir", r.modelsDir))
		return r.client.Pull(ctx, ref, r.modelsDir)
	})
	if err != nil {
		return "", fmt.Errorf("pulling %s: %w", ref, err)
	}
	if shared {
		r.logger.Debug("Joined in-flight pull", zap.String("model", ref.String()))
	}
	return dir.(string), nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
