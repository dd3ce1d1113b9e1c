// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Unify compiles schema and data, unifies data with the schema definition at
// def (e.g. "#Config") and validates the result. JSON documents are valid
// CUE and go through the same path.
//
// Errors about data are formatted with FormatError; errors about the schema
// itself are reported as internal errors.
func Unify(schema string, data []byte, def string, opts ...Option) (cue.Value, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	filename := o.filename
	if filename == "" {
		filename = "<input>"
	}

	if err := CheckFileSize(data, o.maxFileSize, filename); err != nil {
		return cue.Value{}, err
	}

	ctx := cuecontext.New()
	schemaValue := ctx.CompileString(schema)
	if schemaValue.Err() != nil {
		return cue.Value{}, fmt.Errorf("internal error: compiling schema: %w", schemaValue.Err())
	}
	root := schemaValue.LookupPath(cue.ParsePath(def))
	if root.Err() != nil {
		return cue.Value{}, fmt.Errorf("internal error: schema definition %s not found: %w", def, root.Err())
	}

	doc := ctx.CompileBytes(data, cue.Filename(filename))
	if doc.Err() != nil {
		return cue.Value{}, FormatError(doc.Err(), filename)
	}

	unified := root.Unify(doc)
	if err := unified.Validate(cue.Concrete(o.concrete)); err != nil {
		return cue.Value{}, FormatError(err, filename)
	}
	return unified, nil
}
