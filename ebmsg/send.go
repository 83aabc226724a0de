package ebmsg

import (
	"context"

	"github.com/christophertubbs/EventStream/mctx"
	"github.com/christophertubbs/EventStream/mdb/mredis"
	"github.com/christophertubbs/EventStream/merr"

	"github.com/mediocregopher/radix/v3"
)

// DefaultMaxStreamLength is the approximate cap a publish leaves on its
// stream when the caller doesn't say otherwise.
const DefaultMaxStreamLength = 100

// SendOpts adjust a publish. The zero value is usable.
type SendOpts struct {
	// ApplicationName/ApplicationInstance are stamped onto the message when
	// it doesn't already carry them. A message with neither its own identity
	// nor an override cannot be sent.
	ApplicationName     string
	ApplicationInstance string

	// MaxStreamLength caps the stream on publish. Defaults to
	// DefaultMaxStreamLength.
	MaxStreamLength int

	// OmitHeader leaves the header off rather than stamping one.
	OmitHeader bool

	// IncludeStack captures a call trace into the stamped header.
	IncludeStack bool

	// DatetimeFormat renders the header timestamp.
	DatetimeFormat string
}

// Send publishes the message onto the stream, stamping identity and header
// first and trimming the stream to its approximate cap. The assigned id is
// returned and recorded on the message.
func (m *Message) Send(ctx context.Context, conn *mredis.Redis, stream string, opts SendOpts) (radix.StreamEntryID, error) {
	if m.ApplicationName == "" {
		m.ApplicationName = opts.ApplicationName
	}
	if m.ApplicationInstance == "" {
		m.ApplicationInstance = opts.ApplicationInstance
	}
	if m.ApplicationName == "" || m.ApplicationInstance == "" {
		return radix.StreamEntryID{}, merr.New(
			mctx.Annotate(ctx, "event", m.Event, "stream", stream),
			"message cannot be sent without an application name and instance")
	}

	if err := m.Validate(); err != nil {
		return radix.StreamEntryID{}, err
	}

	if m.Header == nil && !opts.OmitHeader {
		m.Header = NewHeader(opts.DatetimeFormat, opts.IncludeStack)
	}

	maxLen := opts.MaxStreamLength
	if maxLen == 0 {
		maxLen = DefaultMaxStreamLength
	}

	fields, err := m.Flatten()
	if err != nil {
		return radix.StreamEntryID{}, err
	}

	id, err := conn.XAdd(stream, maxLen, fields)
	if err != nil {
		return radix.StreamEntryID{}, err
	}
	m.MessageID = id.String()
	return id, nil
}
