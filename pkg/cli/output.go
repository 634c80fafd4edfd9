package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-yaml"
)

// OutputFormat selects how structured results are rendered.
type OutputFormat string

const (
	// FormatYAML is the default for terminal output.
	FormatYAML OutputFormat = "yaml"
	FormatJSON OutputFormat = "json"
	// FormatRaw writes []byte and string results verbatim; anything else
	// falls back to YAML.
	FormatRaw OutputFormat = "raw"
)

// OutputOptions configures where and how Output writes.
type OutputOptions struct {
	// Format defaults to YAML.
	Format OutputFormat

	// File is the destination path. Empty means stdout.
	File string

	// Writer overrides File when set.
	Writer io.Writer

	// Indent is the JSON indentation (defaults to two spaces).
	Indent string
}

func (opts *OutputOptions) writer() (io.Writer, func() error, error) {
	if opts.Writer != nil {
		return opts.Writer, nil, nil
	}
	if opts.File == "" {
		return os.Stdout, nil, nil
	}
	f, err := os.Create(opts.File)
	if err != nil {
		return nil, nil, fmt.Errorf("create output file: %w", err)
	}
	return f, f.Close, nil
}

// Output renders result to the configured destination.
func Output(result any, opts OutputOptions) error {
	w, closer, err := opts.writer()
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer()
	}

	switch opts.Format {
	case FormatYAML, "":
		return writeYAML(w, result)
	case FormatJSON:
		enc := json.NewEncoder(w)
		indent := opts.Indent
		if indent == "" {
			indent = "  "
		}
		enc.SetIndent("", indent)
		return enc.Encode(result)
	case FormatRaw:
		switch v := result.(type) {
		case []byte:
			_, err := w.Write(v)
			return err
		case string:
			_, err := io.WriteString(w, v)
			return err
		default:
			return writeYAML(w, result)
		}
	default:
		return fmt.Errorf("unsupported output format: %s", opts.Format)
	}
}

func writeYAML(w io.Writer, result any) error {
	data, err := yaml.Marshal(result)
	if err != nil {
		return fmt.Errorf("format output: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// Terminal message helpers. Errors go to stderr so piped output stays clean.

func PrintSuccess(format string, args ...any) {
	fmt.Printf("✓ "+format+"\n", args...)
}

func PrintError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

func PrintInfo(format string, args ...any) {
	fmt.Printf("ℹ "+format+"\n", args...)
}

func PrintWarning(format string, args ...any) {
	fmt.Printf("⚠ "+format+"\n", args...)
}
