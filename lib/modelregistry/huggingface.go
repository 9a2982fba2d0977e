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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	"go.uber.org/zap"
)

// ProgressHandler is called to report download progress.
type ProgressHandler func(downloaded, total int64, filename string)

// Repo is the subset of a Hub repository a pull needs.
type Repo interface {
	FileNames() ([]string, error)
	// DownloadFile fetches name into the local cache and returns its path.
	DownloadFile(name string) (string, error)
}

type hubRepo struct {
	repo *hub.Repo
}

func (r hubRepo) FileNames() ([]string, error) {
	var files []string
	for fileName, err := range r.repo.IterFileNames() {
		if err != nil {
			return nil, fmt.Errorf("listing files: %w", err)
		}
		files = append(files, fileName)
	}
	return files, nil
}

func (r hubRepo) DownloadFile(name string) (string, error) {
	return r.repo.DownloadFile(name)
}

// HuggingFaceClient pulls encoder backbones from the HuggingFace Hub.
type HuggingFaceClient struct {
	token           string
	progressHandler ProgressHandler
	logger          *zap.Logger
	openRepo        func(repoID, token string) Repo
}

// HFClientOption configures a HuggingFaceClient.
type HFClientOption func(*HuggingFaceClient)

// NewHuggingFaceClient creates a Hub client.
func NewHuggingFaceClient(opts ...HFClientOption) *HuggingFaceClient {
	c := &HuggingFaceClient{
		logger: zap.NewNop(),
		openRepo: func(repoID, token string) Repo {
			repo := hub.New(repoID)
			if token != "" {
				repo = repo.WithAuth(token)
			}
			return hubRepo{repo: repo}
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithHFToken authenticates requests, for gated or private repositories.
func WithHFToken(token string) HFClientOption {
	return func(c *HuggingFaceClient) { c.token = token }
}

// WithHFProgressHandler reports per-file progress.
func WithHFProgressHandler(h ProgressHandler) HFClientOption {
	return func(c *HuggingFaceClient) { c.progressHandler = h }
}

// WithHFLogger sets the client logger.
func WithHFLogger(logger *zap.Logger) HFClientOption {
	return func(c *HuggingFaceClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRepoOpener replaces Hub access, for mirrors and tests.
func WithRepoOpener(open func(repoID, token string) Repo) HFClientOption {
	return func(c *HuggingFaceClient) { c.openRepo = open }
}

// Pull downloads the encoder graphs, tokenizer and config files of ref into
// <destDir>/<owner>/<name> and returns that directory.
func (c *HuggingFaceClient) Pull(ctx context.Context, ref ModelRef, destDir string) (string, error) {
	if ref.Owner == "" {
		return "", fmt.Errorf("pulling %q: HuggingFace references need an owner", ref.Name)
	}
	repo := c.openRepo(ref.RepoID(), c.token)

	files, err := repo.FileNames()
	if err != nil {
		return "", fmt.Errorf("listing %s: %w", ref.RepoID(), err)
	}
	toDownload := selectEncoderFiles(files, ref.Variant)
	if !slices.ContainsFunc(toDownload, isONNXGraph) {
		return "", fmt.Errorf("no encoder ONNX files found in %s (variant %q)", ref.RepoID(), ref.Variant)
	}

	modelDir := filepath.Join(destDir, ref.DirPath())
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}

	for _, fileName := range toDownload {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		localPath, err := repo.DownloadFile(fileName)
		if err != nil {
			return "", fmt.Errorf("downloading %s: %w", fileName, err)
		}

		destName := localName(fileName, ref.Variant)
		destPath := filepath.Join(modelDir, destName)
		if c.progressHandler != nil {
			c.progressHandler(0, 0, destName)
		}
		if err := copyFile(localPath, destPath); err != nil {
			return "", fmt.Errorf("copying %s: %w", fileName, err)
		}
		if c.progressHandler != nil {
			if info, err := os.Stat(destPath); err == nil {
				c.progressHandler(info.Size(), info.Size(), destName)
			}
		}
		c.logger.Debug("Downloaded model file", zap.String("repo", ref.RepoID()), zap.String("file", destName))
	}

	c.logger.Info("Pulled model",
		zap.String("repo", ref.RepoID()),
		zap.String("variant", ref.Variant),
		zap.String("dir", modelDir),
		zap.Int("files", len(toDownload)))
	return modelDir, nil
}

// encoderGraphs are the graph base names an encoder directory may hold.
// Decoder graphs of seq2seq exports are skipped.
var encoderGraphs = []string{
	"text_model",
	"visual_model",
	"vision_model",
	"image_model",
	"encoder_model",
	"encoder",
	"model",
	"text_projection",
	"visual_projection",
}

var supportFiles = []string{
	"tokenizer.json",
	"tokenizer.model",
	"spiece.model",
	"tokenizer_config.json",
	"special_tokens_map.json",
	"config.json",
	"preprocessor_config.json",
}

func isONNXGraph(name string) bool {
	return strings.HasSuffix(name, ".onnx")
}

// selectEncoderFiles picks support files (first occurrence of each) plus
// every encoder graph, and its external data, of the requested variant.
func selectEncoderFiles(files []string, variant string) []string {
	var result []string
	for _, want := range supportFiles {
		for _, f := range files {
			if filepath.Base(f) == want {
				result = append(result, f)
				break
			}
		}
	}

	suffix := ""
	if variant != "" {
		suffix = "_" + variant
	}
	seen := make(map[string]bool)
	for _, f := range files {
		base := filepath.Base(f)
		stem, ok := strings.CutSuffix(base, ".onnx")
		if !ok {
			stem, ok = strings.CutSuffix(base, ".onnx_data")
		}
		if !ok {
			stem, ok = strings.CutSuffix(base, ".onnx.data")
		}
		if !ok || seen[base] {
			continue
		}
		name, ok := strings.CutSuffix(stem, suffix)
		if ok && slices.Contains(encoderGraphs, name) {
			seen[base] = true
			result = append(result, f)
		}
	}
	return result
}

// localName flattens a repo path and drops the variant suffix from graph
// names. External data files keep their name since graphs reference it.
func localName(fileName, variant string) string {
	base := filepath.Base(fileName)
	if variant == "" || !isONNXGraph(base) {
		return base
	}
	if stem, ok := strings.CutSuffix(base, "_"+variant+".onnx"); ok {
		return stem + ".onnx"
	}
	return base
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer func() { _ = srcFile.Close() }()

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		_ = dstFile.Close()
		return fmt.Errorf("copying: %w", err)
	}

	return dstFile.Close()
}
