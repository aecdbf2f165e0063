package component

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// catalogSchema constrains component catalogs. Entries are closed, so a
// misspelled field is an error rather than silently ignored.
const catalogSchema = `
#Component: {
	id:    int & >=0 & <=4294967295
	codec: "raw" | "text" | "json" | "yaml"
}

components: [string]: #Component
`

// CatalogError reports an invalid catalog.
type CatalogError struct {
	Path    string
	Message string
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("catalog %s: %s", e.Path, e.Message)
}

// LoadCatalog reads a CUE component catalog from path and registers every
// entry into a new registry.
//
//	components: {
//		transform: {id: 1, codec: "json"}
//		label:     {id: 2, codec: "text"}
//	}
func LoadCatalog(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(path, data)
}

// ParseCatalog is LoadCatalog for in-memory CUE source; name is used in error
// messages.
func ParseCatalog(name string, data []byte) (*Registry, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(catalogSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, &CatalogError{Path: name, Message: fmt.Sprintf("compiling schema: %v", err)}
	}

	value := ctx.CompileBytes(data, cue.Filename(name))
	if err := value.Err(); err != nil {
		return nil, &CatalogError{Path: name, Message: fmt.Sprintf("building CUE value: %v", err)}
	}

	unified := schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &CatalogError{Path: name, Message: err.Error()}
	}

	reg := NewRegistry()
	components := unified.LookupPath(cue.ParsePath("components"))
	if !components.Exists() {
		return reg, nil
	}

	iter, err := components.Fields()
	if err != nil {
		return nil, &CatalogError{Path: name, Message: fmt.Sprintf("iterating components: %v", err)}
	}
	for iter.Next() {
		def, err := parseDefinition(iter.Label(), iter.Value())
		if err != nil {
			return nil, &CatalogError{Path: name, Message: err.Error()}
		}
		if err := reg.Register(def); err != nil {
			return nil, &CatalogError{Path: name, Message: err.Error()}
		}
	}
	return reg, nil
}

func parseDefinition(label string, v cue.Value) (Definition, error) {
	id, err := v.LookupPath(cue.ParsePath("id")).Int64()
	if err != nil {
		return Definition{}, fmt.Errorf("components.%s.id: %v", label, err)
	}
	codecName, err := v.LookupPath(cue.ParsePath("codec")).String()
	if err != nil {
		return Definition{}, fmt.Errorf("components.%s.codec: %v", label, err)
	}
	codec, err := CodecByName(codecName)
	if err != nil {
		return Definition{}, fmt.Errorf("components.%s: %v", label, err)
	}
	return Definition{ID: uint32(id), Name: label, Codec: codec}, nil
}

// builtinCatalog is used when the server is started without a catalog.
const builtinCatalog = `
components: {
	transform: {id: 1, codec: "json"}
	label:     {id: 2, codec: "text"}
	mesh:      {id: 3, codec: "raw"}
	material:  {id: 4, codec: "yaml"}
}
`

// Builtin returns a registry of the built-in component types.
func Builtin() *Registry {
	reg, err := ParseCatalog("builtin.cue", []byte(builtinCatalog))
	if err != nil {
		panic(err)
	}
	return reg
}
