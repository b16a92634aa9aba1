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
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// paramFlag accumulates repeated --param name=value pairs, rejecting
// malformed pairs at parse time.
type paramFlag struct {
	values map[string]any
}

var _ pflag.Value = (*paramFlag)(nil)

func (p *paramFlag) String() string { return "" }

func (p *paramFlag) Set(s string) error {
	name, value, found := strings.Cut(s, "=")
	if !found || name == "" {
		return fmt.Errorf("expected name=value, got %q", s)
	}
	p.values[name] = value
	return nil
}

func (p *paramFlag) Type() string { return "name=value" }

// newRunCommand creates the run command.
func newRunCommand() *cobra.Command {
	var (
		params     = paramFlag{values: map[string]any{}}
		paramsJSON string
	)
	cmd := &cobra.Command{
		Use:   "run <namespace> <id> <version>",
		Short: "Run a workflow revision synchronously",
		Long: `Run a workflow revision and wait for it to finish. Parameters are
given as repeated --param name=value pairs (values are sent as strings
and coerced server-side) or as a single --params JSON object.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid version %q", args[2])
			}

			parameters := map[string]any{}
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &parameters); err != nil {
					return fmt.Errorf("invalid --params JSON: %w", err)
				}
			}
			for name, value := range params.values {
				parameters[name] = value
			}

			body, err := client().StartExecution(cmd.Context(), args[0], args[1], version, parameters)
			if err != nil {
				return err
			}
			printBody(cmd, body)
			return nil
		},
	}
	cmd.Flags().Var(&params, "param", "Input parameter as name=value (repeatable)")
	cmd.Flags().StringVar(&paramsJSON, "params", "", "Input parameters as a JSON object")
	return cmd
}

// newExecutionsCommand groups the execution inspection subcommands.
func newExecutionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "Inspect workflow executions",
	}
	cmd.AddCommand(newExecutionsGetCommand())
	cmd.AddCommand(newExecutionsListCommand())
	return cmd
}

func newExecutionsGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <executionId>",
		Short: "Fetch an execution with its step results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := client().GetExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printBody(cmd, body)
			return nil
		},
	}
}

func newExecutionsListCommand() *cobra.Command {
	var (
		version int
		status  string
		limit   int
		offset  int
	)
	cmd := &cobra.Command{
		Use:   "list <namespace> <id>",
		Short: "List a workflow's execution history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if version > 0 {
				q.Set("version", strconv.Itoa(version))
			}
			if status != "" {
				q.Set("status", status)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				q.Set("offset", strconv.Itoa(offset))
			}

			body, err := client().ListExecutions(cmd.Context(), args[0], args[1], q.Encode())
			if err != nil {
				return err
			}
			printBody(cmd, body)
			return nil
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "Filter by revision version")
	cmd.Flags().StringVar(&status, "status", "", "Filter by execution status")
	cmd.Flags().IntVar(&limit, "limit", 0, "Page size (max 100)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	return cmd
}
