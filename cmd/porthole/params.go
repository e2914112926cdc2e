package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// parseParams reads PARAMS as JSON5. An array is the positional parameter
// list; any other value becomes a single parameter. Blank input means none.
func parseParams(source string) ([]any, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, nil
	}
	var v any
	if err := json5.Unmarshal([]byte(source), &v); err != nil {
		return nil, fmt.Errorf("parse params: %w", err)
	}
	if seq, ok := v.([]any); ok {
		return seq, nil
	}
	return []any{v}, nil
}

// writeOutput prints v, a result or a response envelope, in format.
func writeOutput(w io.Writer, format string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	switch strings.ToLower(format) {
	case "", "json":
		var buf bytes.Buffer
		if err := json.Indent(&buf, payload, "", "  "); err != nil {
			return err
		}
		buf.WriteByte('\n')
		_, err := w.Write(buf.Bytes())
		return err
	case "yaml":
		var doc any
		if err := json.Unmarshal(payload, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
