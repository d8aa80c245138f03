// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fdopipe/fdopipe/forensics"
	"github.com/fdopipe/fdopipe/jsonl"
	"github.com/fdopipe/fdopipe/poolclient"
	"github.com/fdopipe/fdopipe/worker"
)

type forensicsCmdConfig struct {
	WorkerExecutable string
	PoolSize         int
	WorkerDir        string
	ForensicsDir     string
	OutputFile       string
	MaxFrames        int
	MaxTimeSeconds   int
	MaxMemoryMB      int
}

var forensicsConfig forensicsCmdConfig

var forensicsCmd = &cobra.Command{
	Use:     "forensics <jsonl-file>",
	Short:   "Stream a P3 JSONL capture, extract FDO frames and decompile them one by one",
	Args:    cobra.ExactArgs(1),
	Example: "# fdopipe forensics capture.jsonl --worker ./fdo_daemon.exe --pool-size 4",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open capture: %w", err)
		}
		defer f.Close()

		limits := jsonl.Limits{
			MaxFrames:   forensicsConfig.MaxFrames,
			MaxTime:     time.Duration(forensicsConfig.MaxTimeSeconds) * time.Second,
			MaxMemoryMB: uint64(forensicsConfig.MaxMemoryMB),
		}
		result, err := jsonl.ProcessWithLimits(f, limits)
		if err != nil {
			return fmt.Errorf("process capture: %w", err)
		}
		if result.TerminatedEarly != "" {
			fmt.Fprintf(os.Stderr, "warning: %s\n", result.TerminatedEarly)
		}
		fmt.Printf("frames processed: %d, fdo frames found: %d, order: %s, tokens: %v\n",
			result.FramesProcessed, result.FDOFramesFound, result.ChronologicalOrder, result.SupportedTokens)

		if forensicsConfig.WorkerExecutable == "" {
			return fmt.Errorf("--worker is required to decompile extracted frames")
		}

		pool, err := worker.Start(cmd.Context(), worker.Config{
			Executable: forensicsConfig.WorkerExecutable,
			PoolSize:   forensicsConfig.PoolSize,
			BaseDir:    forensicsConfig.WorkerDir,
			BaseHost:   "127.0.0.1",
			BasePort:   18090,
		})
		if err != nil {
			return fmt.Errorf("start worker pool: %w", err)
		}
		defer pool.Stop()

		client := poolclient.New(pool, poolclient.Config{RequestTimeout: 10 * time.Second})
		writer := forensics.NewWriter(forensicsConfig.ForensicsDir)

		summary := forensics.Decompile(cmd.Context(), result.Extractions, client, writer)
		fmt.Printf("decompiled %d/%d frames successfully (%.1f%% failure rate, %d process crashes)\n",
			summary.FramesDecompiledSuccessfully, len(result.Extractions), summary.DecompilationFailureRate, summary.ProcessCrashes)

		if forensicsConfig.OutputFile != "" {
			return os.WriteFile(forensicsConfig.OutputFile, []byte(summary.Source), 0o644)
		}
		fmt.Println(summary.Source)
		return nil
	},
}

func init() {
	forensicsCmd.Flags().StringVar(&forensicsConfig.WorkerExecutable, "worker", "", "Path to a worker executable")
	forensicsCmd.Flags().IntVar(&forensicsConfig.PoolSize, "pool-size", 3, "Number of worker processes to start")
	forensicsCmd.Flags().StringVar(&forensicsConfig.WorkerDir, "worker-dir", "/tmp/fdopipe_workers", "Base directory for isolated worker working directories")
	forensicsCmd.Flags().StringVar(&forensicsConfig.ForensicsDir, "forensics-dir", forensics.DefaultDir, "Directory to save crash dumps of undecodable frames")
	forensicsCmd.Flags().StringVar(&forensicsConfig.OutputFile, "output", "", "File to write the reassembled annotated source to (default: stdout)")
	forensicsCmd.Flags().IntVar(&forensicsConfig.MaxFrames, "max-frames", jsonl.MaxFramesLimit, "Terminate extraction after this many frames")
	forensicsCmd.Flags().IntVar(&forensicsConfig.MaxTimeSeconds, "max-time", int(jsonl.MaxProcessingTime.Seconds()), "Terminate extraction after this many seconds")
	forensicsCmd.Flags().IntVar(&forensicsConfig.MaxMemoryMB, "max-memory-mb", jsonl.MaxMemoryMB, "Terminate extraction above this resident memory, in MiB")
	rootCmd.AddCommand(forensicsCmd)
}
