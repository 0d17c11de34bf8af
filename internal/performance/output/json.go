package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/wesleyorama2/surge/internal/performance/engine"
)

// WriteJSON writes the result as indented JSON. Durations are encoded in
// nanoseconds.
func WriteJSON(w io.Writer, result *engine.TestResult) error {
	if result == nil {
		return fmt.Errorf("no results to write")
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return nil
}

// WriteJSONFile writes the result to path, creating parent directories.
// A path of "-" writes to stdout.
func WriteJSONFile(path string, result *engine.TestResult) error {
	if path == "-" {
		return WriteJSON(os.Stdout, result)
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	if err := WriteJSON(f, result); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
