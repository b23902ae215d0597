// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3gen"
	"gopkg.in/yaml.v3"
)

// Schema returns the openapi3.SchemaRef of a single report
func Schema() (*openapi3.SchemaRef, error) {
	ref, err := openapi3gen.NewSchemaRefForValue(&Report{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate report schema: %w", err)
	}
	return ref, nil
}

// Document returns an OpenAPI document describing the report formats
func Document(version string) (*openapi3.T, error) {
	ref, err := Schema()
	if err != nil {
		return nil, err
	}

	return &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "pathfinder report",
			Description: "Report written by pathfinder trace for every traced target.",
			Version:     version,
		},
		Paths: openapi3.NewPaths(),
		Components: &openapi3.Components{
			Schemas: openapi3.Schemas{
				"Report": ref,
				"Reports": openapi3.NewSchemaRef("", openapi3.NewArraySchema().WithItems(ref.Value)),
			},
		},
	}, nil
}

// WriteDocument writes the OpenAPI document in the given format
func WriteDocument(w io.Writer, f Format, doc *openapi3.T) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	switch f {
	case FormatYAML:
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			return fmt.Errorf("failed to convert document: %w", err)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case FormatJSON, FormatTable:
		var buf bytes.Buffer
		if err := json.Indent(&buf, b, "", "  "); err != nil {
			return err
		}
		buf.WriteByte('\n')
		_, err := buf.WriteTo(w)
		return err
	default:
		return f.Validate()
	}
}
