package roster

import (
	"bytes"
	"embed"
	"strings"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://rosterfile.local/schemas/"

type validators struct {
	student *jsonschema.Schema
	patch   *jsonschema.Schema
}

func compileValidators() (*validators, error) {
	c := jsonschema.NewCompiler()
	names := []string{"student.json", "student_patch.json"}
	for _, name := range names {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, errors.Wrapf(err, "read schema %s", name)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, errors.Wrapf(err, "parse schema %s", name)
		}
		if err := c.AddResource(schemaBaseURL+name, doc); err != nil {
			return nil, errors.Wrapf(err, "add schema %s", name)
		}
	}
	student, err := c.Compile(schemaBaseURL + "student.json")
	if err != nil {
		return nil, errors.Wrap(err, "compile student schema")
	}
	patch, err := c.Compile(schemaBaseURL + "student_patch.json")
	if err != nil {
		return nil, errors.Wrap(err, "compile student patch schema")
	}
	return &validators{student: student, patch: patch}, nil
}

func validate(sch *jsonschema.Schema, what string, rec Record) error {
	if rec == nil {
		return invalidf("%s is required", what)
	}
	if err := sch.Validate(map[string]any(rec)); err != nil {
		msg := strings.Join(strings.Fields(strings.ReplaceAll(err.Error(), "\n", "; ")), " ")
		return invalidf("%s: %s", what, msg)
	}
	return nil
}
