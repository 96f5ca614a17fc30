package event

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaResource = "playtrace-event.json"

// JSONSchema lists every accepted wire name, canonical and plugin alias.
func (Kind) JSONSchema() *jsonschema.Schema {
	names := make([]string, 0, len(Kinds)+len(wireAliases))
	for _, k := range Kinds {
		names = append(names, string(k))
	}
	for alias := range wireAliases {
		names = append(names, alias)
	}
	sort.Strings(names)

	enum := make([]any, len(names))
	for i, n := range names {
		enum[i] = n
	}
	return &jsonschema.Schema{
		Type:        "string",
		Description: "Event kind",
		Enum:        enum,
	}
}

// GenerateJSONSchema produces a JSON Schema Draft 2020-12 document for a
// single wire record.
func GenerateJSONSchema() ([]byte, error) {
	// Producers may add fields; the decoder ignores them.
	r := &jsonschema.Reflector{AllowAdditionalProperties: true}
	s := r.Reflect(&Event{})
	s.ID = "https://github.com/ormasoftchile/playtrace/schemas/event-v1.json"
	s.Title = "playtrace event record"
	s.Description = "One newline-delimited record written to the playtrace event channel"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal event schema: %w", err)
	}
	return data, nil
}

// ValidationError is a single schema or decode failure found in a recording.
type ValidationError struct {
	Line    int    `json:"line"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("line %d: %s: %s", e.Line, e.Path, e.Message)
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

// Validator checks records against the generated event schema.
type Validator struct {
	schema *sjsonschema.Schema
}

// NewValidator compiles the event schema.
func NewValidator() (*Validator, error) {
	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return nil, err
	}
	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal event schema: %w", err)
	}

	c := sjsonschema.NewCompiler()
	if err := c.AddResource(schemaResource, schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &Validator{schema: sch}, nil
}

// ValidateRecord checks one record. line is only used for reporting.
func (v *Validator) ValidateRecord(line int, record []byte) []*ValidationError {
	var doc any
	if err := json.Unmarshal(record, &doc); err != nil {
		return []*ValidationError{{Line: line, Message: fmt.Sprintf("invalid JSON: %v", err)}}
	}

	if err := v.schema.Validate(doc); err != nil {
		ve, ok := err.(*sjsonschema.ValidationError)
		if !ok {
			return []*ValidationError{{Line: line, Message: err.Error()}}
		}
		var errs []*ValidationError
		for _, cause := range flattenValidationErrors(ve) {
			errs = append(errs, &ValidationError{
				Line:    line,
				Path:    strings.Join(cause.InstanceLocation, "/"),
				Message: fmt.Sprintf("%v", cause.ErrorKind),
			})
		}
		return errs
	}

	// The schema cannot express timestamp layouts or the object-only rule
	// for data as strictly as the decoder does.
	if _, err := Decode(record); err != nil {
		return []*ValidationError{{Line: line, Message: err.Error()}}
	}
	return nil
}

// ValidateStream validates every non-blank line of a recording.
func (v *Validator) ValidateStream(r io.Reader) (int, []*ValidationError, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	var errs []*ValidationError
	line, records := 0, 0
	for scanner.Scan() {
		line++
		record := bytes.TrimSpace(scanner.Bytes())
		if len(record) == 0 {
			continue
		}
		records++
		errs = append(errs, v.ValidateRecord(line, record)...)
	}
	if err := scanner.Err(); err != nil {
		return records, errs, fmt.Errorf("read recording: %w", err)
	}
	return records, errs, nil
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}
