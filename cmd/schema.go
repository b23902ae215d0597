// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"github.com/spf13/cobra"
	"github.com/telekom/pathfinder/pkg/report"
)

// NewCmdSchema creates a new schema command
func NewCmdSchema(version string) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the OpenAPI schema of the trace report",
		Long:  "Print the OpenAPI document describing the json and yaml reports written by the trace command.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := report.Format(format)
			if err := f.Validate(); err != nil {
				return err
			}
			doc, err := report.Document(version)
			if err != nil {
				return err
			}
			return report.WriteDocument(cmd.OutOrStdout(), f, doc)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", string(report.FormatYAML), "output format: json or yaml")

	return cmd
}
