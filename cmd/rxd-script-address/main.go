// Copyright 2025 RXinDexer Developers
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

// rxd-script-address decodes a Radiant scriptPubKey and prints the address
// it pays and any induction refs it carries. Handy for checking what the
// indexer will extract from a given output.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rxindexer/rxindexer/internal/script"
)

var cmdlineFlags struct {
	scriptData string
	scriptPath string
}

func main() {
	flag.StringVar(&cmdlineFlags.scriptData, "script-data", "", "hex-encoded scriptPubKey")
	flag.StringVar(&cmdlineFlags.scriptPath, "script-path", "", "path to file with hex-encoded scriptPubKey")
	flag.Parse()

	if cmdlineFlags.scriptData == "" && cmdlineFlags.scriptPath == "" {
		fmt.Printf("ERROR: you must specify the script\n")
		os.Exit(1)
	}

	scriptHex := cmdlineFlags.scriptData
	if scriptHex == "" {
		raw, err := os.ReadFile(cmdlineFlags.scriptPath)
		if err != nil {
			fmt.Printf("ERROR: failed to read script file: %s\n", err)
			os.Exit(1)
		}
		scriptHex = strings.TrimSpace(string(raw))
	}
	scriptData, err := hex.DecodeString(scriptHex)
	if err != nil {
		fmt.Printf("ERROR: failed to decode script hex: %s\n", err)
		os.Exit(1)
	}

	address := script.Address(scriptData)
	if address == "" {
		fmt.Printf("Address:   (not a recognised payment script)\n")
	} else {
		fmt.Printf("Address:   %s\n", address)
	}
	refs := script.OutputRefs(scriptData)
	if len(refs) == 0 {
		fmt.Printf("Refs:      none\n")
		return
	}
	for i, ref := range refs {
		fmt.Printf("Ref %d:     %s\n", i, ref)
	}
}
