package ebhandler

import (
	"context"
	"fmt"

	"github.com/christophertubbs/EventStream/ebmsg"
	"github.com/christophertubbs/EventStream/mctx"
	"github.com/christophertubbs/EventStream/mdb/mredis"
)

// Echo is the most basic handler: it logs the message it received. Operators
// use it to smoke-test a listener end to end, and as a template for writing
// their own handlers. Pass kwargs{"transmit_response": true} to have it
// answer with a response message.
func Echo(
	ctx context.Context,
	conn *mredis.Redis,
	runtime Runtime,
	message ebmsg.Typed,
	kwargs map[string]interface{},
) (ebmsg.Typed, error) {
	env := message.Envelope()

	fields := make([]interface{}, 0, env.Len()*2)
	for _, key := range env.Keys() {
		value, _ := env.Get(key)
		fields = append(fields, key, fmt.Sprint(value))
	}

	logCtx := mctx.Annotate(ctx, fields...)
	logCtx = mctx.Annotate(logCtx, "listener", runtime.Name(), "messageType", fmt.Sprintf("%T", message))
	runtime.Logger().Info(logCtx, fmt.Sprintf("the %q event has been triggered", env.Event))

	if transmit, _ := kwargs["transmit_response"].(bool); transmit {
		return env.CreateResponse(runtime.ApplicationName(), runtime.ApplicationInstance()), nil
	}
	return nil, nil
}
