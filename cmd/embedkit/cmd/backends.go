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

package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/antflydb/embedkit/lib/backends"
	"github.com/spf13/cobra"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List inference backends and detected accelerators",
	Long: `List the inference backends compiled into this binary, whether each can run
here, and the accelerator found on this machine.

The ONNX Runtime backend is only present in builds tagged "onnx,ORT".`,
	Args: cobra.NoArgs,
	RunE: runBackends,
}

func init() {
	rootCmd.AddCommand(backendsCmd)
	backendsCmd.Flags().Bool("json", false, "print as JSON")
}

func runBackends(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSONLine(out, struct {
			Backends    []backends.Status `json:"backends"`
			Accelerator backends.GPUInfo  `json:"accelerator"`
		}{backends.Statuses(), backends.DetectGPU()})
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TYPE\tNAME\tAVAILABLE\tPRIORITY")
	for _, st := range backends.Statuses() {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%t\t%d\n", st.Type, st.Name, st.Available, st.Priority)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	gpu := backends.DetectGPU()
	if !gpu.Available {
		_, _ = fmt.Fprintln(out, "\nAccelerator: none")
		return nil
	}
	_, _ = fmt.Fprintf(out, "\nAccelerator: %s (%s)\n", gpu.DeviceName, gpu.Type)
	if gpu.DriverVer != "" {
		_, _ = fmt.Fprintf(out, "Driver: %s\n", gpu.DriverVer)
	}
	if gpu.CUDAVersion != "" {
		_, _ = fmt.Fprintf(out, "CUDA: %s\n", gpu.CUDAVersion)
	}
	return nil
}
