package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/playtrace/pkg/event"
)

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate [recording.jsonl]",
	Short: "Validate a recorded event stream against the event schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	v, err := event.NewValidator()
	if err != nil {
		return err
	}
	records, errs, err := v.ValidateStream(f)
	if err != nil {
		return err
	}
	if len(errs) > 0 {
		fmt.Fprintf(os.Stderr, "Validation failed: %d error(s)\n\n", len(errs))
		for i, e := range errs {
			fmt.Fprintf(os.Stderr, "  %d. line %d: %s\n", i+1, e.Line, e.Message)
			if e.Path != "" {
				fmt.Fprintf(os.Stderr, "     at: %s\n", e.Path)
			}
		}
		return fmt.Errorf("validation failed with %d error(s)", len(errs))
	}
	fmt.Printf("✓ %s is valid (%d records)\n", filePath, records)
	return nil
}

// --- schema ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Export the event record JSON Schema to stdout",
	RunE:  runSchemaExport,
}

func runSchemaExport(cmd *cobra.Command, args []string) error {
	data, err := event.GenerateJSONSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	return writeJSON(os.Stdout, json.RawMessage(data))
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
