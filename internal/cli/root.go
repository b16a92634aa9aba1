// Copyright 2025 The Maestro Authors
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

package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// defaultServer is used when --server and MAESTRO_SERVER are unset.
const defaultServer = "http://localhost:8580"

var (
	serverURL string

	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

// SetVersion sets the build information (called from main).
func SetVersion(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
}

// NewRootCommand creates the root Cobra command for the maestro client.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maestro",
		Short: "Maestro - workflow orchestration",
		Long: `Maestro is a command-line client for the maestrod workflow
orchestration service. It manages versioned workflow revisions and
triggers synchronous executions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&serverURL, "server", "", "maestrod base URL (default: MAESTRO_SERVER or "+defaultServer+")")

	cmd.AddCommand(newWorkflowCommand())
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newExecutionsCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// client resolves the server URL and builds a Client.
func client() *Client {
	url := serverURL
	if url == "" {
		url = os.Getenv("MAESTRO_SERVER")
	}
	if url == "" {
		url = defaultServer
	}
	return NewClient(url)
}

// printBody pretty-prints a JSON response, or emits it verbatim when it
// is not JSON (revision documents are YAML).
func printBody(cmd *cobra.Command, body []byte) {
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		pretty, err := json.MarshalIndent(v, "", "  ")
		if err == nil {
			cmd.Println(string(pretty))
			return
		}
	}
	cmd.Print(string(body))
}

// newVersionCommand creates the version command.
func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show client and server version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Printf("maestro %s (commit: %s, built: %s)\n", buildVersion, buildCommit, buildDate)
			body, err := client().Version(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to reach server: %w", err)
			}
			printBody(cmd, body)
			return nil
		},
	}
}
