package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/lsm/projector/internal/config"
	celproj "github.com/lsm/projector/internal/transform/cel"
)

// RunValidate validates projector definition files. Arguments may be files or
// directories; directories are scanned for *.yaml and *.yml.
func RunValidate(args []string) error {
	return runValidate(args, os.Stdout, os.Stderr)
}

func runValidate(args []string, stdout, stderr io.Writer) error {
	if len(args) > 0 && (args[0] == "-h" || args[0] == "--help") {
		_, _ = fmt.Fprintln(stdout, "Usage: projectorctl validate [path...]\n\nValidates projector definitions and compiles their CEL expressions.\nPaths may be files or directories (default: ./projector.yaml).")
		return nil
	}

	paths := args
	if len(paths) == 0 {
		paths = []string{"./projector.yaml"}
	}

	files, err := collectFiles(paths)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no YAML files found in %s", strings.Join(paths, ", "))
	}

	var allErrors []validationError
	for _, f := range files {
		allErrors = append(allErrors, validateFile(f)...)
	}

	if len(allErrors) == 0 {
		_, _ = fmt.Fprintf(stdout, "Validated %d definition(s). All definitions are valid.\n", len(files))
		return nil
	}

	_, _ = fmt.Fprintf(stderr, "Found %d validation error(s):\n\n", len(allErrors))
	for _, ve := range allErrors {
		_, _ = fmt.Fprintf(stderr, "  %s\n    field: %s\n    error: %s\n\n", ve.File, ve.Field, ve.Message)
	}
	return fmt.Errorf("%d validation error(s) found", len(allErrors))
}

type validationError struct {
	File    string
	Field   string
	Message string
}

func collectFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", p, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			ext := filepath.Ext(entry.Name())
			if ext == ".yaml" || ext == ".yml" {
				files = append(files, filepath.Join(p, entry.Name()))
			}
		}
	}
	return files, nil
}

func validateFile(path string) []validationError {
	data, err := os.ReadFile(path)
	if err != nil {
		return []validationError{{File: path, Field: "-", Message: fmt.Sprintf("read error: %v", err)}}
	}

	def, err := config.Parse(data)
	if err != nil {
		msg := err.Error()
		// Unquoted CEL ternaries are the usual cause of these YAML errors.
		if strings.Contains(msg, "mapping values") || strings.Contains(msg, "did not find expected key") {
			hint := "\n\nHint: If using CEL expressions with ':' or '?', quote the entire expression as a string.\n" +
				"Example: change `filter: value.urgent ? true : false` to `filter: \"value.urgent ? true : false\"`"
			return []validationError{{File: path, Field: "-", Message: msg + hint}}
		}
		var errs []validationError
		for _, m := range splitErrors(strings.TrimPrefix(msg, "invalid projector definition: ")) {
			errs = append(errs, validationError{File: path, Field: inferField(m), Message: m})
		}
		return errs
	}

	if _, err := celproj.NewProjector(def.Projector.Filter, def.Projector.Transform); err != nil {
		return []validationError{{File: path, Field: "projector", Message: err.Error()}}
	}
	return nil
}

// splitErrors breaks an errors.Join message into individual error strings.
func splitErrors(msg string) []string {
	var result []string
	for _, p := range strings.Split(msg, "\n") {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

// inferField extracts the field name leading an error message. A quoted
// prefix such as `cluster "main":` is returned whole.
func inferField(msg string) string {
	if idx := strings.Index(msg, ": "); idx > 0 && strings.Contains(msg[:idx], `"`) {
		return msg[:idx]
	}
	parts := strings.Fields(msg)
	if len(parts) == 0 {
		return "-"
	}
	return strings.TrimSuffix(parts[0], ":")
}
