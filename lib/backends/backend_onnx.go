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

//go:build onnx && ORT

package backends

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

func init() {
	RegisterBackend(&onnxBackend{})
}

// onnxBackend implements Backend using ONNX Runtime.
//
// Runtime requirements:
//   - libonnxruntime reachable via ONNXRUNTIME_ROOT or LD_LIBRARY_PATH
//   - for CUDA, the CUDA runtime libraries on LD_LIBRARY_PATH
type onnxBackend struct {
	initOnce sync.Once
	initErr  error
}

func (b *onnxBackend) Type() BackendType {
	return BackendONNX
}

func (b *onnxBackend) Name() string {
	if IsGPUAvailable() {
		return "ONNX Runtime (CUDA)"
	}
	return "ONNX Runtime (CPU)"
}

// Available is true whenever this file is compiled in; the build tags
// guarantee the runtime bindings exist.
func (b *onnxBackend) Available() bool {
	return true
}

func (b *onnxBackend) Priority() int {
	return 10
}

func (b *onnxBackend) Loader() ModelLoader {
	return &ortModelLoader{backend: b}
}

func (b *onnxBackend) initONNX() error {
	b.initOnce.Do(func() {
		if libPath := onnxLibraryPath(); libPath != "" {
			ort.SetSharedLibraryPath(filepath.Join(libPath, onnxLibraryName()))
		}
		b.initErr = ort.InitializeEnvironment()
	})
	return b.initErr
}

// onnxLibraryPath returns the directory containing libonnxruntime.
// ONNXRUNTIME_ROOT wins over LD_LIBRARY_PATH (DYLD_LIBRARY_PATH on macOS).
func onnxLibraryPath() string {
	libName := onnxLibraryName()

	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		platform := runtime.GOOS + "-" + runtime.GOARCH
		for _, dir := range []string{filepath.Join(root, platform, "lib"), filepath.Join(root, "lib")} {
			if _, err := os.Stat(filepath.Join(dir, libName)); err == nil {
				return dir
			}
		}
	}

	ldPath := os.Getenv("LD_LIBRARY_PATH")
	if runtime.GOOS == "darwin" {
		if dyld := os.Getenv("DYLD_LIBRARY_PATH"); dyld != "" {
			ldPath = dyld
		}
	}
	for _, dir := range filepath.SplitList(ldPath) {
		if _, err := os.Stat(filepath.Join(dir, libName)); err == nil {
			return dir
		}
	}
	return ""
}

func onnxLibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

// ortModelLoader implements ModelLoader for ONNX Runtime.
type ortModelLoader struct {
	backend *onnxBackend
}

func (l *ortModelLoader) Load(path string, opts ...LoadOption) (Model, error) {
	if err := l.backend.initONNX(); err != nil {
		return nil, fmt.Errorf("initializing ONNX Runtime: %w", err)
	}
	config := ApplyOptions(opts...)

	onnxPath := resolveONNXPath(path, config.ONNXFilename)
	if onnxPath == "" {
		return nil, fmt.Errorf("ONNX model %q not found in %s", config.ONNXFilename, path)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(onnxPath)
	if err != nil {
		return nil, fmt.Errorf("getting model info: %w", err)
	}
	inputNames := filterInputNames(inputs)
	if len(inputNames) == 0 {
		return nil, fmt.Errorf("no valid input names found in model")
	}
	outputNames := make([]string, len(outputs))
	for i, info := range outputs {
		outputNames[i] = info.Name
	}
	if len(outputNames) == 0 {
		return nil, fmt.Errorf("no output names found in model")
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}
	if config.NumThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(config.NumThreads); err != nil {
			sessionOpts.Destroy()
			return nil, fmt.Errorf("setting thread count: %w", err)
		}
	}
	if config.Device == DeviceCUDA || (config.Device == DeviceAuto && ShouldUseGPU(DeviceAuto)) {
		if cudaOpts, err := ort.NewCUDAProviderOptions(); err == nil {
			// Falls back to CPU when the CUDA provider cannot be attached.
			_ = sessionOpts.AppendExecutionProviderCUDA(cudaOpts)
			cudaOpts.Destroy()
		}
	}

	session, err := ort.NewDynamicAdvancedSession(onnxPath, inputNames, outputNames, sessionOpts)
	if err != nil {
		sessionOpts.Destroy()
		return nil, fmt.Errorf("creating ONNX session: %w", err)
	}

	return &ortModel{
		path:        onnxPath,
		session:     session,
		sessionOpts: sessionOpts,
		inputNames:  inputNames,
		outputNames: outputNames,
	}, nil
}

// filterInputNames keeps the inputs this package knows how to feed. Graphs
// with none of them (projection heads) keep all declared inputs.
func filterInputNames(inputs []ort.InputOutputInfo) []string {
	known := map[string]bool{
		"input_ids":      true,
		"attention_mask": true,
		"token_type_ids": true,
		"pixel_values":   true,
	}
	var names []string
	for _, info := range inputs {
		if known[info.Name] {
			names = append(names, info.Name)
		}
	}
	if len(names) == 0 {
		for _, info := range inputs {
			names = append(names, info.Name)
		}
	}
	return names
}

func (l *ortModelLoader) SupportsModel(path string) bool {
	matches, _ := filepath.Glob(filepath.Join(path, "*.onnx"))
	return len(matches) > 0
}

func (l *ortModelLoader) Backend() BackendType {
	return BackendONNX
}

// ortModel implements Model using ONNX Runtime.
type ortModel struct {
	path        string
	session     *ort.DynamicAdvancedSession
	sessionOpts *ort.SessionOptions
	inputNames  []string
	outputNames []string

	mu sync.Mutex
}

func (m *ortModel) Forward(ctx context.Context, inputs *ModelInputs) (*ModelOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch := inputs.BatchSize()
	if batch == 0 {
		return &ModelOutput{}, nil
	}

	inputTensors, err := m.buildInputs(inputs)
	defer func() {
		for _, t := range inputTensors {
			t.Destroy()
		}
	}()
	if err != nil {
		return nil, err
	}

	outputTensors := make([]ort.Value, len(m.outputNames))
	m.mu.Lock()
	err = m.session.Run(inputTensors, outputTensors)
	m.mu.Unlock()
	defer func() {
		for _, t := range outputTensors {
			if t != nil {
				t.Destroy()
			}
		}
	}()
	if err != nil {
		return nil, fmt.Errorf("running ONNX inference: %w", err)
	}

	return collectOrtOutputs(outputTensors, batch)
}

func (m *ortModel) buildInputs(inputs *ModelInputs) ([]ort.Value, error) {
	var values []ort.Value

	switch inputs.Modality() {
	case "embeddings":
		batch, dim := len(inputs.Embeddings), len(inputs.Embeddings[0])
		flat := make([]float32, 0, batch*dim)
		for _, row := range inputs.Embeddings {
			flat = append(flat, row...)
		}
		t, err := ort.NewTensor(ort.NewShape(int64(batch), int64(dim)), flat)
		if err != nil {
			return values, fmt.Errorf("creating embeddings tensor: %w", err)
		}
		return append(values, t), nil

	case "image":
		shape := ort.NewShape(int64(inputs.BatchSize()), int64(inputs.ImageChannels),
			int64(inputs.ImageHeight), int64(inputs.ImageWidth))
		t, err := ort.NewTensor(shape, inputs.ImagePixels)
		if err != nil {
			return values, fmt.Errorf("creating pixel_values tensor: %w", err)
		}
		return append(values, t), nil
	}

	batch, seq := len(inputs.InputIDs), len(inputs.InputIDs[0])
	shape := ort.NewShape(int64(batch), int64(seq))
	ids := make([]int64, batch*seq)
	mask := make([]int64, batch*seq)
	for i := range batch {
		for j := range seq {
			ids[i*seq+j] = int64(inputs.InputIDs[i][j])
			mask[i*seq+j] = int64(inputs.AttentionMask[i][j])
		}
	}

	for _, name := range m.inputNames {
		var data []int64
		switch name {
		case "input_ids":
			data = ids
		case "attention_mask":
			data = mask
		case "token_type_ids":
			data = make([]int64, batch*seq)
		default:
			continue
		}
		t, err := ort.NewTensor(shape, data)
		if err != nil {
			return values, fmt.Errorf("creating %s tensor: %w", name, err)
		}
		values = append(values, t)
	}
	return values, nil
}

// collectOrtOutputs copies the first 3D output into hidden states and the
// first 2D output into embeddings.
func collectOrtOutputs(outputs []ort.Value, batch int) (*ModelOutput, error) {
	out := &ModelOutput{}
	for _, v := range outputs {
		ft, ok := v.(*ort.Tensor[float32])
		if !ok {
			continue
		}
		shape := ft.GetShape()
		data := ft.GetData()
		if len(shape) == 0 || int(shape[0]) != batch {
			continue
		}

		switch {
		case len(shape) == 3 && out.LastHiddenState == nil:
			seq, hidden := int(shape[1]), int(shape[2])
			states := make([][][]float32, batch)
			for i := range batch {
				states[i] = make([][]float32, seq)
				for j := range seq {
					base := (i*seq + j) * hidden
					states[i][j] = make([]float32, hidden)
					copy(states[i][j], data[base:base+hidden])
				}
			}
			out.LastHiddenState = states

		case len(shape) == 2 && out.Embeddings == nil:
			dim := int(shape[1])
			emb := make([][]float32, batch)
			for i := range batch {
				emb[i] = make([]float32, dim)
				copy(emb[i], data[i*dim:(i+1)*dim])
			}
			out.Embeddings = emb
		}
	}
	if out.LastHiddenState == nil && out.Embeddings == nil {
		return nil, fmt.Errorf("no float32 2D or 3D output tensors returned")
	}
	return out, nil
}

func (m *ortModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.session != nil {
		err = m.session.Destroy()
		m.session = nil
	}
	if m.sessionOpts != nil {
		_ = m.sessionOpts.Destroy()
		m.sessionOpts = nil
	}
	return err
}

func (m *ortModel) Name() string {
	return m.path
}

func (m *ortModel) Backend() BackendType {
	return BackendONNX
}
