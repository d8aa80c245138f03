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
	"net/http"
	"os"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/fdopipe/fdopipe/confengine"
	"github.com/fdopipe/fdopipe/internal/sigs"
	"github.com/fdopipe/fdopipe/logger"
	"github.com/fdopipe/fdopipe/server"
	"github.com/fdopipe/fdopipe/worker"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Run and introspect a worker pool",
}

type poolStartConfig struct {
	Executable string
	PoolSize   int
	BaseDir    string
	BaseHost   string
	BasePort   int
	ServerAddr string
}

var poolStartCfg poolStartConfig

var poolStartCmd = &cobra.Command{
	Use:     "start",
	Short:   "Start a worker pool and serve its status over HTTP",
	Example: "# fdopipe pool start --worker ./fdo_daemon.exe --pool-size 4 --listen :9091",
	RunE: func(cmd *cobra.Command, args []string) error {
		if poolStartCfg.Executable == "" {
			return fmt.Errorf("--worker is required")
		}

		pool, err := worker.Start(cmd.Context(), worker.Config{
			Executable: poolStartCfg.Executable,
			PoolSize:   poolStartCfg.PoolSize,
			BaseDir:    poolStartCfg.BaseDir,
			BaseHost:   poolStartCfg.BaseHost,
			BasePort:   poolStartCfg.BasePort,
		})
		if err != nil {
			return fmt.Errorf("start worker pool: %w", err)
		}
		defer pool.Stop()

		cfg, err := confengine.LoadContent([]byte(fmt.Sprintf("server:\n  enabled: true\n  address: %q\n  pprof: false\n  timeout: 30s\n", poolStartCfg.ServerAddr)))
		if err != nil {
			return fmt.Errorf("build server config: %w", err)
		}
		srv, err := server.New(cfg)
		if err != nil {
			return fmt.Errorf("create introspection server: %w", err)
		}
		registerPoolRoutes(srv, pool)

		go func() {
			if err := srv.ListenAndServe(); err != nil {
				logger.Errorf("introspection server stopped: %v", err)
			}
		}()

		<-sigs.Terminate()
		return nil
	},
}

// registerPoolRoutes exposes the pool's introspection surface: a status
// snapshot and a circuit-breaker reset action, both otherwise only
// reachable in-process.
func registerPoolRoutes(srv *server.Server, pool *worker.Pool) {
	srv.RegisterGetRoute("/pool/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(pool.Status()); err != nil {
			fmt.Fprintf(os.Stderr, "encode pool status: %v\n", err)
		}
	})
	srv.RegisterPostRoute("/pool/reset-circuit-breakers", func(w http.ResponseWriter, r *http.Request) {
		reset := pool.ResetCircuitBreakers()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]int{"reset": reset}); err != nil {
			fmt.Fprintf(os.Stderr, "encode reset result: %v\n", err)
		}
	})
}

func init() {
	poolStartCmd.Flags().StringVar(&poolStartCfg.Executable, "worker", "", "Path to a worker executable")
	poolStartCmd.Flags().IntVar(&poolStartCfg.PoolSize, "pool-size", 3, "Number of worker processes to start")
	poolStartCmd.Flags().StringVar(&poolStartCfg.BaseDir, "base-dir", "/tmp/fdopipe_workers", "Base directory for isolated worker working directories")
	poolStartCmd.Flags().StringVar(&poolStartCfg.BaseHost, "worker-host", "127.0.0.1", "Host workers bind to")
	poolStartCmd.Flags().IntVar(&poolStartCfg.BasePort, "worker-base-port", 18080, "First port assigned to a worker; subsequent workers take base+1, base+2, ...")
	poolStartCmd.Flags().StringVar(&poolStartCfg.ServerAddr, "listen", ":9091", "Address the introspection HTTP server listens on")
	poolCmd.AddCommand(poolStartCmd)
	rootCmd.AddCommand(poolCmd)
}
