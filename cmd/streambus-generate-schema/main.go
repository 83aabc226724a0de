package main

/*
	streambus-generate-schema emits the JSON Schema of the configuration
	document, for editor validation and operator documentation.
*/

import (
	"fmt"
	"os"

	"github.com/christophertubbs/EventStream/ebcfg"
	"github.com/christophertubbs/EventStream/m"
	"github.com/christophertubbs/EventStream/mcfg"
)

func main() {
	cmp := m.RootComponent()

	path := mcfg.String(cmp, "path",
		mcfg.ParamUsage("Where to write the schema. Writes to stdout when --pipe is set"))
	pipe := mcfg.Bool(cmp, "pipe",
		mcfg.ParamUsage("Write the schema to stdout instead of a file"))

	m.MustInit(cmp)
	defer m.MustShutdown(cmp)

	schema, err := ebcfg.JSONSchema()
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not build the configuration schema: %v\n", err)
		os.Exit(1)
	}

	if *pipe || *path == "" {
		fmt.Println(string(schema))
		return
	}

	if err := os.WriteFile(*path, append(schema, '\n'), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "could not write the schema to %q: %v\n", *path, err)
		os.Exit(1)
	}
	fmt.Printf("wrote the configuration schema to %s\n", *path)
}
