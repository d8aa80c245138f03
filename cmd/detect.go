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
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fdopipe/fdopipe/p3"
)

var detectCmd = &cobra.Command{
	Use:     "detect <hexframe>",
	Short:   "Inspect a hex-encoded P3 frame for an FDO carrier",
	Args:    cobra.ExactArgs(1),
	Example: "# fdopipe detect 5A0000000A000020415400000102030D",
	RunE: func(cmd *cobra.Command, args []string) error {
		frameBytes, err := hex.DecodeString(strings.TrimSpace(args[0]))
		if err != nil {
			return fmt.Errorf("decode hex frame: %w", err)
		}

		detection := p3.DetectFDOInFrame(frameBytes)
		if detection.Err != nil {
			fmt.Printf("error: %v\n", detection.Err)
			return nil
		}
		if detection.Frame != nil {
			fmt.Printf("packet type: %s (client=%v)\n", detection.Frame.PacketType, detection.Frame.ClientPacket)
		}
		if !detection.FDODetected {
			fmt.Println("fdo_detected: false")
			return nil
		}

		fmt.Printf("fdo_detected: true\ntoken: %q\nstream_id: %d\nheader_size: %d\nfdo_bytes: %d\n",
			detection.Header.Token, detection.Header.StreamID, detection.Header.HeaderSize, len(detection.Header.Data))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(detectCmd)
}
