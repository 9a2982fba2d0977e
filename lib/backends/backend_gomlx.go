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
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"

	// Pure Go engine, registers itself as "go".
	_ "github.com/gomlx/gomlx/backends/simplego"
)

func init() {
	RegisterBackend(newGomlxBackend(BackendGo, "go"))
	RegisterBackend(newGomlxBackend(BackendXLA, "xla"))
}

// gomlxBackend executes ONNX graphs through onnx-gomlx.
//
// Two backends are registered:
//   - BackendGo: pure Go engine (simplego), always available, slower
//   - BackendXLA: XLA engine, available only when a PJRT plugin can be loaded
type gomlxBackend struct {
	backendType BackendType
	engineType  string

	availableOnce sync.Once
	available     bool

	engineOnce sync.Once
	engine     backends.Backend
	engineErr  error
}

func newGomlxBackend(backendType BackendType, engineType string) *gomlxBackend {
	return &gomlxBackend{backendType: backendType, engineType: engineType}
}

func (b *gomlxBackend) Type() BackendType {
	return b.backendType
}

func (b *gomlxBackend) Name() string {
	if b.backendType == BackendXLA {
		return "GoMLX (XLA)"
	}
	return "GoMLX (Go)"
}

func (b *gomlxBackend) Available() bool {
	b.availableOnce.Do(func() {
		_, err := b.getEngine()
		b.available = err == nil
	})
	return b.available
}

func (b *gomlxBackend) Priority() int {
	if b.backendType == BackendXLA {
		return 20
	}
	return 100
}

func (b *gomlxBackend) Loader() ModelLoader {
	return &gomlxModelLoader{backend: b}
}

// getEngine creates the engine once and caches it.
func (b *gomlxBackend) getEngine() (backends.Backend, error) {
	b.engineOnce.Do(func() {
		b.engine, b.engineErr = safeNewBackend(b.engineType)
	})
	return b.engine, b.engineErr
}

// safeNewBackend creates an engine, converting initialisation panics from
// missing native plugins into errors.
func safeNewBackend(engineType string) (engine backends.Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			engine = nil
			err = fmt.Errorf("backend %q panicked during initialization: %v", engineType, r)
		}
	}()
	return backends.NewWithConfig(engineType)
}

// gomlxModelLoader implements ModelLoader for GoMLX inference.
type gomlxModelLoader struct {
	backend *gomlxBackend
}

func (l *gomlxModelLoader) Load(path string, opts ...LoadOption) (Model, error) {
	config := ApplyOptions(opts...)

	engine, err := l.backend.getEngine()
	if err != nil {
		return nil, fmt.Errorf("getting GoMLX engine %q: %w", l.backend.engineType, err)
	}

	onnxPath := resolveONNXPath(path, config.ONNXFilename)
	if onnxPath == "" {
		return nil, fmt.Errorf("ONNX model %q not found in %s", config.ONNXFilename, path)
	}

	om, err := onnx.ReadFile(onnxPath)
	if err != nil {
		return nil, fmt.Errorf("loading ONNX model: %w", err)
	}
	vars := mlctx.New()
	if err := om.VariablesToContext(vars); err != nil {
		return nil, fmt.Errorf("loading ONNX variables: %w", err)
	}
	inputNames, _ := om.Inputs()

	return &gomlxModel{
		path:        onnxPath,
		model:       om,
		vars:        vars,
		engine:      engine,
		inputNames:  inputNames,
		backendType: l.backend.backendType,
	}, nil
}

func (l *gomlxModelLoader) SupportsModel(path string) bool {
	matches, _ := filepath.Glob(filepath.Join(path, "*.onnx"))
	if len(matches) > 0 {
		return true
	}
	matches, _ = filepath.Glob(filepath.Join(path, "onnx", "*.onnx"))
	return len(matches) > 0
}

func (l *gomlxModelLoader) Backend() BackendType {
	return l.backend.backendType
}

// resolveONNXPath finds filename in dir or dir/onnx. An absolute filename is
// used as-is.
func resolveONNXPath(dir, filename string) string {
	if filepath.IsAbs(filename) {
		if _, err := os.Stat(filename); err == nil {
			return filename
		}
		return ""
	}
	for _, p := range []string{filepath.Join(dir, filename), filepath.Join(dir, "onnx", filename)} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// gomlxModel runs one ONNX graph. onnx-gomlx graphs share a variable context,
// so forward passes are serialised.
type gomlxModel struct {
	path        string
	model       *onnx.Model
	vars        *mlctx.Context
	engine      backends.Backend
	inputNames  []string
	backendType BackendType

	mu sync.Mutex
}

func (m *gomlxModel) Forward(ctx context.Context, inputs *ModelInputs) (*ModelOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch := inputs.BatchSize()
	if batch == 0 {
		return &ModelOutput{}, nil
	}

	names, args, err := m.buildInputs(inputs)
	if err != nil {
		return nil, err
	}

	graphFn := func(gctx *mlctx.Context, nodes []*graph.Node) []*graph.Node {
		inputMap := make(map[string]*graph.Node, len(names))
		for i, name := range names {
			inputMap[name] = nodes[i]
		}
		return m.model.CallGraph(gctx.Reuse(), nodes[0].Graph(), inputMap)
	}

	m.mu.Lock()
	results, err := mlctx.ExecOnceN(m.engine, m.vars, graphFn, args...)
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("exec failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("no output from ONNX model")
	}
	return collectGomlxOutputs(results, batch)
}

// buildInputs maps ModelInputs onto the graph's declared inputs.
func (m *gomlxModel) buildInputs(inputs *ModelInputs) ([]string, []any, error) {
	switch inputs.Modality() {
	case "embeddings":
		if len(m.inputNames) == 0 {
			return nil, nil, fmt.Errorf("projection model declares no inputs")
		}
		batch, dim := len(inputs.Embeddings), len(inputs.Embeddings[0])
		flat := make([]float32, 0, batch*dim)
		for _, row := range inputs.Embeddings {
			flat = append(flat, row...)
		}
		return []string{m.inputNames[0]}, []any{tensors.FromFlatDataAndDimensions(flat, batch, dim)}, nil

	case "image":
		if !slices.Contains(m.inputNames, "pixel_values") {
			return nil, nil, fmt.Errorf("model %s has no pixel_values input", m.path)
		}
		t := tensors.FromFlatDataAndDimensions(inputs.ImagePixels,
			inputs.BatchSize(), inputs.ImageChannels, inputs.ImageHeight, inputs.ImageWidth)
		return []string{"pixel_values"}, []any{t}, nil
	}

	batch, seq := len(inputs.InputIDs), len(inputs.InputIDs[0])
	ids := make([]int64, batch*seq)
	mask := make([]int64, batch*seq)
	for i := range batch {
		for j := range seq {
			ids[i*seq+j] = int64(inputs.InputIDs[i][j])
			mask[i*seq+j] = int64(inputs.AttentionMask[i][j])
		}
	}

	names := []string{"input_ids"}
	args := []any{tensors.FromFlatDataAndDimensions(ids, batch, seq)}
	if slices.Contains(m.inputNames, "attention_mask") {
		names = append(names, "attention_mask")
		args = append(args, tensors.FromFlatDataAndDimensions(mask, batch, seq))
	}
	if slices.Contains(m.inputNames, "token_type_ids") {
		names = append(names, "token_type_ids")
		args = append(args, tensors.FromFlatDataAndDimensions(make([]int64, batch*seq), batch, seq))
	}
	return names, args, nil
}

// collectGomlxOutputs picks the first 3D output as hidden states and the
// first 2D output as pooled embeddings.
func collectGomlxOutputs(results []*tensors.Tensor, batch int) (*ModelOutput, error) {
	out := &ModelOutput{}
	for _, r := range results {
		dims := r.Shape().Dimensions
		switch {
		case len(dims) == 3 && out.LastHiddenState == nil:
			data, ok := r.Value().([][][]float32)
			if !ok {
				return nil, fmt.Errorf("hidden state output is not float32")
			}
			out.LastHiddenState = data
		case len(dims) == 2 && out.Embeddings == nil:
			data, ok := r.Value().([][]float32)
			if !ok {
				return nil, fmt.Errorf("embedding output is not float32")
			}
			out.Embeddings = data
		}
	}
	if out.LastHiddenState == nil && out.Embeddings == nil {
		return nil, fmt.Errorf("unexpected output shape: %v (expected 2D or 3D)", results[0].Shape().Dimensions)
	}
	if (out.LastHiddenState != nil && len(out.LastHiddenState) != batch) ||
		(out.Embeddings != nil && len(out.Embeddings) != batch) {
		return nil, fmt.Errorf("model returned a different batch size than %d", batch)
	}
	return out, nil
}

func (m *gomlxModel) Close() error {
	return nil
}

func (m *gomlxModel) Name() string {
	return m.path
}

func (m *gomlxModel) Backend() BackendType {
	return m.backendType
}
