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
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// documentIdentity extracts namespace and id from a workflow document.
func documentIdentity(document []byte) (namespace, id string, err error) {
	var doc struct {
		Namespace string `yaml:"namespace"`
		ID        string `yaml:"id"`
	}
	if err := yaml.Unmarshal(document, &doc); err != nil {
		return "", "", fmt.Errorf("invalid document: %w", err)
	}
	if doc.Namespace == "" || doc.ID == "" {
		return "", "", fmt.Errorf("document must declare namespace and id")
	}
	return doc.Namespace, doc.ID, nil
}

// newWorkflowCommand groups the revision lifecycle subcommands.
func newWorkflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflow revisions",
	}
	cmd.AddCommand(newWorkflowCreateCommand())
	cmd.AddCommand(newWorkflowGetCommand())
	cmd.AddCommand(newWorkflowListCommand())
	cmd.AddCommand(newWorkflowActivateCommand(true))
	cmd.AddCommand(newWorkflowActivateCommand(false))
	cmd.AddCommand(newWorkflowDeleteCommand())
	return cmd
}

func newWorkflowCreateCommand() *cobra.Command {
	var next bool
	cmd := &cobra.Command{
		Use:   "create <document.yaml>",
		Short: "Create a workflow revision from a document",
		Long: `Create version 1 of a new workflow from a declarative document,
or with --next the next version of an existing workflow.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			document, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read document: %w", err)
			}

			var body []byte
			if next {
				namespace, id, err := documentIdentity(document)
				if err != nil {
					return err
				}
				body, err = client().CreateNextRevision(cmd.Context(), namespace, id, document)
				if err != nil {
					return err
				}
			} else {
				body, err = client().CreateWorkflow(cmd.Context(), document)
				if err != nil {
					return err
				}
			}
			printBody(cmd, body)
			return nil
		},
	}
	cmd.Flags().BoolVar(&next, "next", false, "Create the next version of an existing workflow")
	return cmd
}

func newWorkflowGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <namespace> <id> <version>",
		Short: "Fetch one workflow revision",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid version %q", args[2])
			}
			body, err := client().GetRevision(cmd.Context(), args[0], args[1], version)
			if err != nil {
				return err
			}
			printBody(cmd, body)
			return nil
		},
	}
}

func newWorkflowListCommand() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list <namespace> <id>",
		Short: "List a workflow's revisions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := client().ListRevisions(cmd.Context(), args[0], args[1], activeOnly)
			if err != nil {
				return err
			}
			printBody(cmd, body)
			return nil
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only show the active revision")
	return cmd
}

func newWorkflowActivateCommand(activate bool) *cobra.Command {
	use, short := "activate", "Activate a workflow revision"
	if !activate {
		use, short = "deactivate", "Deactivate a workflow revision"
	}
	var updatedAt string
	cmd := &cobra.Command{
		Use:   use + " <namespace> <id> <version>",
		Short: short,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid version %q", args[2])
			}
			if updatedAt == "" {
				return fmt.Errorf("--updated-at is required (the updatedAt from the revision you last read)")
			}
			body, err := client().SetRevisionActive(cmd.Context(), args[0], args[1], version, activate, updatedAt)
			if err != nil {
				return err
			}
			printBody(cmd, body)
			return nil
		},
	}
	cmd.Flags().StringVar(&updatedAt, "updated-at", "", "Last-read updatedAt timestamp (optimistic lock)")
	return cmd
}

func newWorkflowDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <namespace> <id> [version]",
		Short: "Delete a revision, or the whole workflow when version is omitted",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 3 {
				version, err := strconv.Atoi(args[2])
				if err != nil {
					return fmt.Errorf("invalid version %q", args[2])
				}
				if err := client().DeleteRevision(cmd.Context(), args[0], args[1], version); err != nil {
					return err
				}
				cmd.Printf("deleted %s/%s/%d\n", args[0], args[1], version)
				return nil
			}
			if err := client().DeleteWorkflow(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			cmd.Printf("deleted %s/%s\n", args[0], args[1])
			return nil
		},
	}
}
