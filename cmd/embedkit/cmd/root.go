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

// Package cmd implements the embedkit command line.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/antflydb/embedkit"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version is reported by --version.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "embedkit",
	Short: "Embed text and images with pretrained encoders",
	Long: `embedkit runs pretrained encoder backbones (CLIP-style joint encoders and
T5-style text encoders) and returns fixed-size embeddings.

Configuration is read from flags, EMBEDKIT_* environment variables and an
optional config file (./embedkit.yaml or ~/.embedkit/embedkit.yaml).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cmd.Root().Version = Version
		return initConfig()
	},
}

// Execute runs the root command.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./embedkit.yaml or ~/.embedkit/embedkit.yaml)")
	flags.String("models-dir", defaultModelsDir(), "directory models are resolved from and pulled to")
	flags.Bool("pull", false, "download missing owner/name models from HuggingFace")
	flags.String("device", "auto", "inference device (auto, cpu, cuda, tpu)")
	flags.StringSlice("backend-priority", nil, "backend order with optional device, e.g. onnx:cuda,go")
	flags.Int("num-threads", 0, "intra-op threads for CPU inference (0 = runtime default)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-style", "terminal", "log style (terminal, json)")

	mustBindPFlag("models_dir", flags.Lookup("models-dir"))
	mustBindPFlag("pull", flags.Lookup("pull"))
	mustBindPFlag("device", flags.Lookup("device"))
	mustBindPFlag("backend_priority", flags.Lookup("backend-priority"))
	mustBindPFlag("num_threads", flags.Lookup("num-threads"))
	mustBindPFlag("log.level", flags.Lookup("log-level"))
	mustBindPFlag("log.style", flags.Lookup("log-style"))
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %q: %v", key, err))
	}
}

func initConfig() error {
	viper.SetEnvPrefix("EMBEDKIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("embedkit")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".embedkit"))
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}

func defaultModelsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "models"
	}
	return filepath.Join(home, ".embedkit", "models")
}

func newLogger() *zap.Logger {
	return logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
}

// loadConfig merges defaults, the config file, env and flags.
func loadConfig() (embedkit.Config, error) {
	cfg := embedkit.DefaultConfig()
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decoding config: %w", err)
	}
	if token := os.Getenv("HF_TOKEN"); cfg.HFToken == "" && token != "" {
		cfg.HFToken = token
	}
	return cfg, cfg.Validate()
}

// openRegistry builds a registry from the merged config.
func openRegistry(logger *zap.Logger) (*embedkit.EncoderRegistry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return embedkit.NewEncoderRegistry(cfg, logger)
}
