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
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

var (
	gpuInfo     GPUInfo
	gpuInfoOnce sync.Once
)

// DetectGPU probes for a TPU, then for CUDA. The result is cached.
func DetectGPU() GPUInfo {
	gpuInfoOnce.Do(func() {
		if info := detectTPU(); info.Available {
			gpuInfo = info
			return
		}
		gpuInfo = detectCUDA()
	})
	return gpuInfo
}

// IsGPUAvailable returns true if any accelerator was detected.
func IsGPUAvailable() bool {
	return DetectGPU().Available
}

// ShouldUseGPU resolves a device preference against detected hardware.
// Explicit accelerator devices are honored even when detection fails; the
// runtime will then report the error at session creation.
func ShouldUseGPU(device DeviceType) bool {
	switch device {
	case DeviceCPU:
		return false
	case DeviceCUDA, DeviceTPU:
		return true
	default:
		return IsGPUAvailable()
	}
}

func detectTPU() GPUInfo {
	info := GPUInfo{Type: "none"}
	if backend := os.Getenv("GOMLX_BACKEND"); strings.Contains(strings.ToLower(backend), "tpu") {
		info.Available = true
		info.Type = "tpu"
		info.DeviceName = "TPU (via GOMLX_BACKEND)"
		return info
	}
	if matches, _ := filepath.Glob("/dev/accel*"); len(matches) > 0 {
		info.Available = true
		info.Type = "tpu"
		info.DeviceName = "TPU (/dev/accel)"
	}
	return info
}

func detectCUDA() GPUInfo {
	if info := tryNvidiaSMI(); info.Available {
		return info
	}
	if cudaLibsExist() {
		return GPUInfo{Available: true, Type: "cuda", DeviceName: "CUDA (libraries detected)"}
	}
	return GPUInfo{Type: "none"}
}

func tryNvidiaSMI() GPUInfo {
	info := GPUInfo{Type: "none"}

	nvidiaSMI, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return info
	}
	cmd := exec.Command(nvidiaSMI, "--query-gpu=name,driver_version", "--format=csv,noheader,nounits") //nolint:gosec // G204: path comes from LookPath
	output, err := cmd.Output()
	if err != nil {
		return info
	}

	// "GPU Name, Driver Version"
	first, _, _ := strings.Cut(strings.TrimSpace(string(output)), "\n")
	parts := strings.Split(first, ", ")
	info.Available = true
	info.Type = "cuda"
	info.DeviceName = strings.TrimSpace(parts[0])
	if len(parts) >= 2 {
		info.DriverVer = strings.TrimSpace(parts[1])
	}

	cmd = exec.Command(nvidiaSMI, "--query-gpu=compute_cap", "--format=csv,noheader,nounits") //nolint:gosec // G204: path comes from LookPath
	if output, err := cmd.Output(); err == nil {
		info.CUDAVersion = strings.TrimSpace(string(output))
	}
	return info
}

func cudaLibsExist() bool {
	dirs := []string{"/usr/local/cuda/lib64", "/usr/lib/x86_64-linux-gnu", "/usr/lib64"}
	if ldPath := os.Getenv("LD_LIBRARY_PATH"); ldPath != "" {
		dirs = append(filepath.SplitList(ldPath), dirs...)
	}
	for _, dir := range dirs {
		if matches, _ := filepath.Glob(filepath.Join(dir, "libcudart.so*")); len(matches) > 0 {
			return true
		}
	}
	return false
}
