package agentloop

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ParsedArgs is a validated argument record. Fields holds the decoded JSON
// object. Value holds the typed decoding when the schema was registered with
// a target type.
type ParsedArgs struct {
	Schema string
	Fields map[string]any
	Value  any
	raw    []byte
}

// Decode unmarshals the validated arguments into v.
func (p ParsedArgs) Decode(v any) error {
	return json.Unmarshal(p.raw, v)
}

// Shell returns the arguments as ShellArgs.
func (p ParsedArgs) Shell() (ShellArgs, error) {
	if v, ok := p.Value.(*ShellArgs); ok {
		return *v, nil
	}
	var args ShellArgs
	if err := p.Decode(&args); err != nil {
		return ShellArgs{}, err
	}
	return args, nil
}

// Parser validates raw function call arguments against named JSON schemas.
type Parser struct {
	mu      sync.RWMutex
	schemas map[string]parserEntry
}

type parserEntry struct {
	schema  *jsonschema.Schema
	newArgs func() any
}

// NewParser creates a Parser with the shell argument schema registered.
func NewParser() *Parser {
	p := &Parser{schemas: make(map[string]parserEntry)}
	if err := p.RegisterTyped(ShellSchemaName, ShellParameters(), func() any { return &ShellArgs{} }); err != nil {
		panic(fmt.Sprintf("shell schema: %v", err))
	}
	return p
}

// Register compiles a schema document under name, replacing any previous
// schema with that name.
func (p *Parser) Register(name string, schema map[string]any) error {
	return p.RegisterTyped(name, schema, nil)
}

// RegisterTyped is Register with a decode target. Arguments that pass the
// schema but do not decode into newArgs() are malformed too, for example an
// integer-valued number that overflows an int field.
func (p *Parser) RegisterTyped(name string, schema map[string]any, newArgs func() any) error {
	doc, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode schema %s: %w", name, err)
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(doc))
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", name, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.schemas[name] = parserEntry{schema: compiled, newArgs: newArgs}
	return nil
}

// Has reports whether a schema is registered under name.
func (p *Parser) Has(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.schemas[name]
	return ok
}

// Parse validates raw against the named schema. Fields not described by the
// schema are kept but otherwise ignored. Empty input is treated as {}.
func (p *Parser) Parse(raw json.RawMessage, schemaName string) (ParsedArgs, error) {
	p.mu.RLock()
	entry, ok := p.schemas[schemaName]
	p.mu.RUnlock()
	if !ok {
		return ParsedArgs{}, &MalformedArgumentsError{Schema: schemaName, Reason: "no schema registered"}
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		trimmed = []byte("{}")
	}

	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return ParsedArgs{}, &MalformedArgumentsError{Schema: schemaName, Reason: "arguments are not valid JSON: " + err.Error(), Cause: err}
	}
	if err := entry.schema.Validate(decoded); err != nil {
		return ParsedArgs{}, &MalformedArgumentsError{Schema: schemaName, Reason: validationReason(err), Cause: err}
	}
	fields, ok := decoded.(map[string]any)
	if !ok {
		return ParsedArgs{}, &MalformedArgumentsError{Schema: schemaName, Reason: "arguments must be a JSON object"}
	}

	var value any
	if entry.newArgs != nil {
		value = entry.newArgs()
		if err := json.Unmarshal(trimmed, value); err != nil {
			return ParsedArgs{}, &MalformedArgumentsError{Schema: schemaName, Reason: "arguments do not fit the tool's parameters: " + err.Error(), Cause: err}
		}
	}

	buf := make([]byte, len(trimmed))
	copy(buf, trimmed)
	return ParsedArgs{Schema: schemaName, Fields: fields, Value: value, raw: buf}, nil
}

var defaultParser = sync.OnceValue(NewParser)

// ParseArguments validates raw against a schema registered on the default
// parser.
func ParseArguments(raw json.RawMessage, schemaName string) (ParsedArgs, error) {
	return defaultParser().Parse(raw, schemaName)
}

// validationReason flattens a schema validation error into one line listing
// the leaf failures.
func validationReason(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}
	var leaves []string
	var walk func(v *jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			loc := v.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			leaves = append(leaves, loc+": "+v.Message)
			return
		}
		for _, c := range v.Causes {
			walk(c)
		}
	}
	walk(verr)
	sort.Strings(leaves)
	return strings.Join(leaves, "; ")
}
