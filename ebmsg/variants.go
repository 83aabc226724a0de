package ebmsg

// The built-in message variants. Operator-defined variants register
// alongside these via Registry.Register.

// Event names fixed by the built-in variants.
const (
	EventTrim        = "trim"
	EventGetInstance = "get_instance"
	EventClose       = "close_streams"
	EventPurge       = "purge"
)

// Generic is the simplest concrete variant: an envelope plus one
// unstructured hierarchical payload.
type Generic struct {
	Message
	Data map[string]interface{}
}

// Close asks one specific application instance to stop polling.
type Close struct {
	Message
	Token string
}

// Trim asks receivers to cut a stream down to approximately Count entries,
// optionally archiving the cut entries first.
type Trim struct {
	Message
	Count      int
	SaveOutput bool
	OutputPath string
	Filename   string
	DateFormat string
}

// Purge asks receivers to clear a consumer and/or delete a drained group.
type Purge struct {
	Message
	Stream   string
	Group    string
	Consumer string
	Force    bool
}

// GetInstance asks every receiving instance to introduce itself.
type GetInstance struct {
	Message
}

// Forwarding carries another message to be re-published on a different
// stream.
type Forwarding struct {
	Message
	Forwarded     *Generic
	TargetStream  string
	IncludeHeader bool
}

func buildGeneric(env *Message, fields map[string]interface{}) (Typed, error) {
	data, _ := asMapping(fields["data"])
	msg := &Generic{Message: *env, Data: data}
	msg.SetExtra("data", data)
	return msg, nil
}

var genericDecoder = &Decoder{
	Name:  "generic",
	Depth: 1,
	Required: []FieldSpec{
		{Name: "data", Kind: KindMapping},
	},
	Build: buildGeneric,
}

func builtinDecoders() []*Decoder {
	return []*Decoder{
		genericDecoder,
		{
			Name:  "close",
			Depth: 1,
			Required: []FieldSpec{
				{Name: "token", Kind: KindString},
				{Name: "application_name", Kind: KindString},
				{Name: "application_instance", Kind: KindString},
			},
			Build: func(env *Message, fields map[string]interface{}) (Typed, error) {
				token, _ := fields["token"].(string)
				msg := &Close{Message: *env, Token: token}
				msg.SetExtra("token", token)
				return msg, nil
			},
		},
		{
			Name:  "trim",
			Event: EventTrim,
			Depth: 1,
			Build: func(env *Message, fields map[string]interface{}) (Typed, error) {
				msg := &Trim{Message: *env}
				if count, ok := asInt(fields["count"]); ok {
					msg.Count = int(count)
				}
				if save, ok := asBool(fields["save_output"]); ok {
					msg.SaveOutput = save
				}
				msg.OutputPath, _ = fields["output_path"].(string)
				msg.Filename, _ = fields["filename"].(string)
				msg.DateFormat, _ = fields["date_format"].(string)
				return msg, nil
			},
		},
		{
			Name:  "purge",
			Event: EventPurge,
			Depth: 1,
			Required: []FieldSpec{
				{Name: "stream", Kind: KindString},
				{Name: "group", Kind: KindString},
			},
			Build: func(env *Message, fields map[string]interface{}) (Typed, error) {
				msg := &Purge{Message: *env}
				msg.Stream, _ = fields["stream"].(string)
				msg.Group, _ = fields["group"].(string)
				msg.Consumer, _ = fields["consumer"].(string)
				if force, ok := asBool(fields["force"]); ok {
					msg.Force = force
				}
				return msg, nil
			},
		},
		{
			Name:  "get_instance",
			Event: EventGetInstance,
			Depth: 1,
			Build: func(env *Message, fields map[string]interface{}) (Typed, error) {
				return &GetInstance{Message: *env}, nil
			},
		},
		{
			Name:  "forwarding",
			Depth: 1,
			Required: []FieldSpec{
				{Name: "message", Kind: KindRecord, Record: genericDecoder},
				{Name: "target_stream", Kind: KindString},
			},
			Build: func(env *Message, fields map[string]interface{}) (Typed, error) {
				mapping, _ := asMapping(fields["message"])
				innerEnv, err := envelopeFromFields(mapping)
				if err != nil {
					return nil, err
				}
				inner, err := buildGeneric(innerEnv, mapping)
				if err != nil {
					return nil, err
				}

				msg := &Forwarding{
					Message:       *env,
					Forwarded:     inner.(*Generic),
					IncludeHeader: true,
				}
				msg.TargetStream, _ = fields["target_stream"].(string)
				if include, ok := asBool(fields["include_header"]); ok {
					msg.IncludeHeader = include
				}
				return msg, nil
			},
		},
	}
}
