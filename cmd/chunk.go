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
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fdopipe/fdopipe/chunker"
	"github.com/fdopipe/fdopipe/poolclient"
	"github.com/fdopipe/fdopipe/worker"
)

type chunkCmdConfig struct {
	Token            string
	StreamID         uint64
	WorkerExecutable string
	PoolSize         int
	WorkerDir        string
}

var chunkConfig chunkCmdConfig

var chunkCmd = &cobra.Command{
	Use:   "chunk <source-file>",
	Short: "Compile an FDO source file into a sequence of P3 packets",
	Args:  cobra.ExactArgs(1),
	Example: "# fdopipe chunk script.fdo --token AT --stream-id 42 --worker ./fdo_daemon.exe",
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read source file: %w", err)
		}

		compiler, cleanup, err := buildCompiler(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		result, err := chunker.Chunk(cmd.Context(), string(source), chunkConfig.StreamID, chunkConfig.Token, compiler)
		if err != nil {
			return fmt.Errorf("chunk source: %w", err)
		}

		for i, packet := range result.Chunks {
			meta := result.ChunkInfo[i]
			fmt.Printf("# packet %d (continuation=%v, %d bytes)\n%s\n", meta.SequenceIndex, meta.IsContinuation, meta.Size, hex.EncodeToString(packet))
		}
		return nil
	},
}

// manualOnlyCompiler serves C1-eligible atoms and rejects everything
// else, for offline use without a worker pool.
type manualOnlyCompiler struct{}

func (manualOnlyCompiler) Compile(_ context.Context, content string) ([]byte, error) {
	return nil, fmt.Errorf("no worker configured and %q cannot be manually encoded", content)
}

// buildCompiler returns a chunker.Compiler backed by a freshly started
// worker pool when --worker is set, otherwise a manual-only compiler
// that only serves atoms C1 can encode directly.
func buildCompiler(ctx context.Context) (chunker.Compiler, func(), error) {
	if chunkConfig.WorkerExecutable == "" {
		return manualOnlyCompiler{}, func() {}, nil
	}

	pool, err := worker.Start(ctx, worker.Config{
		Executable: chunkConfig.WorkerExecutable,
		PoolSize:   chunkConfig.PoolSize,
		BaseDir:    chunkConfig.WorkerDir,
		BaseHost:   "127.0.0.1",
		BasePort:   18080,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("start worker pool: %w", err)
	}

	client := poolclient.New(pool, poolclient.Config{RequestTimeout: 10 * time.Second})
	return client, func() { pool.Stop() }, nil
}

func init() {
	chunkCmd.Flags().StringVar(&chunkConfig.Token, "token", "AT", "Two-character stream token")
	chunkCmd.Flags().Uint64Var(&chunkConfig.StreamID, "stream-id", 0, "Numeric stream id")
	chunkCmd.Flags().StringVar(&chunkConfig.WorkerExecutable, "worker", "", "Path to a worker executable; omit to only encode manually-compilable atoms")
	chunkCmd.Flags().IntVar(&chunkConfig.PoolSize, "pool-size", 1, "Number of worker processes to start")
	chunkCmd.Flags().StringVar(&chunkConfig.WorkerDir, "worker-dir", "/tmp/fdopipe_workers", "Base directory for isolated worker working directories")
	rootCmd.AddCommand(chunkCmd)
}
