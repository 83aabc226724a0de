package ebhandler

import (
	"context"

	"github.com/christophertubbs/EventStream/ebmsg"
	"github.com/christophertubbs/EventStream/mctx"
	"github.com/christophertubbs/EventStream/mdb/mredis"
	"github.com/christophertubbs/EventStream/merr"
)

// Forward republishes the message carried by a forwarding message onto its
// target stream. Listeners bind it to bridge events from one stream into
// another.
func Forward(
	ctx context.Context,
	conn *mredis.Redis,
	runtime Runtime,
	message ebmsg.Typed,
	kwargs map[string]interface{},
) (ebmsg.Typed, error) {
	forwarding, ok := message.(*ebmsg.Forwarding)
	if !ok {
		return nil, merr.New(
			mctx.Annotate(ctx, "event", message.Envelope().Event),
			"only forwarding messages can be forwarded")
	}

	opts := ebmsg.SendOpts{
		ApplicationName:     runtime.ApplicationName(),
		ApplicationInstance: runtime.ApplicationInstance(),
		OmitHeader:          !forwarding.IncludeHeader,
	}
	_, err := forwarding.Forwarded.Envelope().Send(ctx, conn, forwarding.TargetStream, opts)
	return nil, err
}
