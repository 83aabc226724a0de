package mcfg

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/christophertubbs/EventStream/mcmp"
	"github.com/christophertubbs/EventStream/mtime"
)

// Param is a configuration parameter which can be populated by Populate. The
// Param is registered onto a Component, relative to that Component's path
// (see the mcmp package). For example, a Param with name "addr" registered on
// a Component with path []string{"foo","bar"} will be settable on the CLI via
// "--foo-bar-addr". Other configuration Sources may treat the path/name
// differently, however.
//
// Param values are always unmarshaled as JSON values into the Into field of
// the Param, regardless of the actual Source.
type Param struct {
	// The Component this Param was registered on.
	Component *mcmp.Component

	// How the parameter will be identified relative to its Component.
	Name string

	// A helpful description of how a parameter is expected to be used.
	Usage string

	// If the parameter's value is expected to be read as a go string. This is
	// used for configuration sources like CLI which will automatically add
	// double-quotes around the value if they aren't already there.
	IsString bool

	// If the parameter's value is expected to be a boolean. This is used for
	// configuration sources like CLI which treat boolean parameters (aka
	// flags) differently.
	IsBool bool

	// If true then the parameter _must_ be set by at least one Source.
	Required bool

	// The pointer into which the configuration value will be json.Unmarshal'd.
	// The value being pointed to also determines the default value of the
	// parameter.
	Into interface{}
}

func paramFullName(path []string, name string) string {
	return strings.Join(append(append([]string{}, path...), name), "-")
}

func (p Param) fuzzyParse(v string) json.RawMessage {
	if p.IsBool {
		if v == "" || v == "0" || v == "false" {
			return json.RawMessage("false")
		}
		return json.RawMessage("true")

	} else if p.IsString && (v == "" || v[0] != '"') {
		return json.RawMessage(`"` + v + `"`)
	}

	return json.RawMessage(v)
}

type paramKey string

type paramsSeriesKey struct{}

func addParam(cmp *mcmp.Component, p Param) {
	p.Name = strings.ToLower(p.Name)
	p.Component = cmp

	if cmp.HasValue(paramKey(p.Name)) {
		panic(fmt.Sprintf("Component %q already has a param named %q", cmp.Path(), p.Name))
	}

	cmp.SetValue(paramKey(p.Name), p)
	mcmp.AddSeriesValue(cmp, paramsSeriesKey{}, p.Name)
}

func getLocalParams(cmp *mcmp.Component) []Param {
	names := mcmp.SeriesValues(cmp, paramsSeriesKey{})
	params := make([]Param, 0, len(names))
	for _, name := range names {
		if p, ok := cmp.Value(paramKey(name.(string))).(Param); ok {
			params = append(params, p)
		}
	}
	return params
}

// ParamOption is used to customize the behavior of a Param as it's being
// declared via String, Int, Bool, etc.
type ParamOption func(*paramOpts)

type paramOpts struct {
	usage        string
	required     bool
	hasDefault   bool
	defaultValue interface{}
}

func mkParamOpts(opts []ParamOption) paramOpts {
	var o paramOpts
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ParamUsage sets the help text shown for a parameter.
func ParamUsage(usage string) ParamOption {
	return func(o *paramOpts) { o.usage = usage }
}

// ParamRequired indicates the parameter must be set by some Source or
// Populate will return an error.
func ParamRequired() ParamOption {
	return func(o *paramOpts) { o.required = true }
}

// ParamDefault sets the default value of the parameter, used if no Source
// provides one.
func ParamDefault(val interface{}) ParamOption {
	return func(o *paramOpts) {
		o.hasDefault = true
		o.defaultValue = val
	}
}

// ParamDefaultOrRequired is like ParamDefault, except it documents that the
// given default is a placeholder value which callers are expected to
// override in any environment where it matters (e.g. a GCE project name of
// "" in production). It does not itself make the parameter Required; use
// ParamRequired as well if the default must never be used silently.
func ParamDefaultOrRequired(val interface{}) ParamOption {
	return ParamDefault(val)
}

func declareParam(cmp *mcmp.Component, name string, isString, isBool bool, into interface{}, opts []ParamOption) {
	o := mkParamOpts(opts)
	addParam(cmp, Param{
		Name:     name,
		Usage:    o.usage,
		IsString: isString,
		IsBool:   isBool,
		Required: o.required,
		Into:     into,
	})
}

// Int64 declares an int64 parameter on cmp and returns a pointer which will
// be populated once Populate is run on cmp (or one of its ancestors).
func Int64(cmp *mcmp.Component, name string, opts ...ParamOption) *int64 {
	o := mkParamOpts(opts)
	i := new(int64)
	if o.hasDefault {
		*i = o.defaultValue.(int64)
	}
	declareParam(cmp, name, false, false, i, opts)
	return i
}

// Int declares an int parameter on cmp.
func Int(cmp *mcmp.Component, name string, opts ...ParamOption) *int {
	o := mkParamOpts(opts)
	i := new(int)
	if o.hasDefault {
		*i = o.defaultValue.(int)
	}
	declareParam(cmp, name, false, false, i, opts)
	return i
}

// String declares a string parameter on cmp.
func String(cmp *mcmp.Component, name string, opts ...ParamOption) *string {
	o := mkParamOpts(opts)
	s := new(string)
	if o.hasDefault {
		*s = o.defaultValue.(string)
	}
	declareParam(cmp, name, true, false, s, opts)
	return s
}

// Bool declares a boolean parameter on cmp, which defaults to false if
// unconfigured.
//
// The default behavior of all Sources is that a boolean parameter will be set
// to true unless the value is "", 0, or false. In the case of the CLI Source
// the value will also be true when the parameter is used with no value at
// all, as would be expected.
func Bool(cmp *mcmp.Component, name string, opts ...ParamOption) *bool {
	o := mkParamOpts(opts)
	b := new(bool)
	if o.hasDefault {
		*b = o.defaultValue.(bool)
	}
	declareParam(cmp, name, false, true, b, opts)
	return b
}

// TS declares an mtime.TS parameter on cmp.
func TS(cmp *mcmp.Component, name string, opts ...ParamOption) *mtime.TS {
	o := mkParamOpts(opts)
	t := new(mtime.TS)
	if o.hasDefault {
		*t = o.defaultValue.(mtime.TS)
	}
	declareParam(cmp, name, false, false, t, opts)
	return t
}

// Duration declares an mtime.Duration parameter on cmp.
func Duration(cmp *mcmp.Component, name string, opts ...ParamOption) *mtime.Duration {
	o := mkParamOpts(opts)
	d := new(mtime.Duration)
	if o.hasDefault {
		*d = o.defaultValue.(mtime.Duration)
	}
	declareParam(cmp, name, true, false, d, opts)
	return d
}

// JSON declares a parameter on cmp whose value is unmarshaled as a raw JSON
// value into into (which must be a non-nil pointer). The value into points to
// at call time is used as the default.
func JSON(cmp *mcmp.Component, name string, into interface{}, opts ...ParamOption) {
	declareParam(cmp, name, false, false, into, opts)
}
