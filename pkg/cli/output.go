package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/goccy/go-yaml"
)

// OutputFormat selects how structured values are printed.
type OutputFormat string

const (
	FormatYAML OutputFormat = "yaml"
	FormatJSON OutputFormat = "json"
)

// ParseFormat normalizes a format name, falling back to yaml.
func ParseFormat(name string) OutputFormat {
	if OutputFormat(name) == FormatJSON {
		return FormatJSON
	}
	return FormatYAML
}

// Print writes v to w in the chosen format.
func Print(w io.Writer, v any, format OutputFormat) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("cli: encode json: %w", err)
		}
	default:
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("cli: encode yaml: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return nil
}
