package ebcfg

import (
	"context"
	"encoding/json"

	"github.com/christophertubbs/EventStream/merr"

	"github.com/invopop/jsonschema"
)

// JSONSchema reflects the configuration document into its JSON Schema, for
// the generate-schema tool and for operators wiring editor validation.
func JSONSchema() ([]byte, error) {
	reflector := &jsonschema.Reflector{
		ExpandedStruct: true,
	}

	schema := reflector.Reflect(&Config{})
	out, err := json.MarshalIndent(schema, "", "    ")
	if err != nil {
		return nil, merr.Wrap(context.Background(), err)
	}
	return out, nil
}
