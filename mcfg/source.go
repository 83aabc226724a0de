package mcfg

import (
	"encoding/json"

	"github.com/christophertubbs/EventStream/mcmp"
)

// ParamValue describes a value for a parameter which has been parsed by a
// Source.
type ParamValue struct {
	Name  string
	Path  []string // nil if root
	Value json.RawMessage
}

// Source parses ParamValues for all Params which have been added to the given
// Component (and its children). The returned []ParamValue may contain
// duplicates of the same Param's value; the last one wins.
type Source interface {
	Parse(cmp *mcmp.Component) ([]ParamValue, error)
}

// ParamValues is a Source which simply returns the ParamValues it was
// constructed with, ignoring the Component entirely. It's useful for testing,
// and as the zero value Source for Populate.
type ParamValues []ParamValue

// Parse implements the Source interface.
func (pvs ParamValues) Parse(*mcmp.Component) ([]ParamValue, error) {
	return []ParamValue(pvs), nil
}

// Sources combines multiple Sources into one. Parse is called on each Source
// in order, and the ParamValues are concatenated; later Sources take
// precedence over earlier ones for any given Param.
type Sources []Source

// Parse implements the Source interface.
func (ss Sources) Parse(cmp *mcmp.Component) ([]ParamValue, error) {
	var all []ParamValue
	for _, s := range ss {
		pvs, err := s.Parse(cmp)
		if err != nil {
			return nil, err
		}
		all = append(all, pvs...)
	}
	return all, nil
}
