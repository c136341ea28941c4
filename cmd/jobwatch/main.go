// jobwatch waits for, inspects and cancels jobs tracked by a job API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"jobwatch/internal/config"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// writeOutput renders v as indented JSON or as YAML. YAML goes through the
// JSON encoding first so both formats share field names.
func writeOutput(w io.Writer, format string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}

	switch format {
	case config.OutputYAML:
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode yaml output: %w", err)
		}
		if err := enc.Close(); err != nil {
			return err
		}
		_, err = w.Write(buf.Bytes())
		return err
	default:
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
}

// optionalBool is a bool flag that remembers whether it was given at all.
type optionalBool struct {
	set   bool
	value bool
}

func (b *optionalBool) String() string {
	if !b.set {
		return ""
	}
	return strconv.FormatBool(b.value)
}

func (b *optionalBool) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	b.set, b.value = true, v
	return nil
}

func (b *optionalBool) Type() string { return "bool" }
