package master

import (
	"context"

	"github.com/christophertubbs/EventStream/ebcfg"
	"github.com/christophertubbs/EventStream/ebhandler"
	"github.com/christophertubbs/EventStream/ebmsg"
	"github.com/christophertubbs/EventStream/mcmp"
	"github.com/christophertubbs/EventStream/mctx"
	"github.com/christophertubbs/EventStream/mdb/mredis"
	"github.com/christophertubbs/EventStream/mlock"
)

// Deps are what the control-plane handlers need beyond what every handler
// receives.
type Deps struct {
	Cmp      *mcmp.Component
	Locks    *mlock.Manager
	Settings ebcfg.Settings

	// RecordDirectory is where trim archives land when a trim message
	// doesn't name a path.
	RecordDirectory string
}

// RegisterHandlers binds the control-plane handlers into the registry. The
// registered names double as the master-stream event names.
func RegisterHandlers(registry *ebhandler.Registry, deps Deps) error {
	if deps.RecordDirectory == "" {
		deps.RecordDirectory = DefaultRecordDirectory
	}

	handlers := []struct {
		name    string
		aliases []string
		handler ebhandler.Func
	}{
		{ebmsg.EventGetInstance, []string{"info", "instance_info"}, deps.getInstance},
		{ebmsg.EventClose, []string{"close"}, deps.closeStreams},
		{ebmsg.EventTrim, nil, deps.trimStreams},
		{ebmsg.EventPurge, nil, deps.purgeConsumers},
	}

	for _, h := range handlers {
		if err := registry.Register(h.name, h.handler, h.aliases...); err != nil {
			return err
		}
	}
	return nil
}

// getInstance answers with this instance's identity, letting operators
// enumerate the fleet.
func (d Deps) getInstance(
	ctx context.Context,
	conn *mredis.Redis,
	runtime ebhandler.Runtime,
	message ebmsg.Typed,
	kwargs map[string]interface{},
) (ebmsg.Typed, error) {
	return message.Envelope().CreateResponse(runtime.ApplicationName(), runtime.ApplicationInstance()), nil
}

// closeStreams stops this instance's polling, but only when the message is
// addressed to exactly this instance and the receiving listener holds
// executive authority.
func (d Deps) closeStreams(
	ctx context.Context,
	conn *mredis.Redis,
	runtime ebhandler.Runtime,
	message ebmsg.Typed,
	kwargs map[string]interface{},
) (ebmsg.Typed, error) {
	env := message.Envelope()
	applies := env.ApplicationName == runtime.ApplicationName() &&
		env.ApplicationInstance == runtime.ApplicationInstance()

	switch {
	case applies && runtime.CanMakeExecutiveDecisions():
		runtime.Logger().Info(
			mctx.Annotate(ctx, "application", env.ApplicationName, "instance", env.ApplicationInstance),
			"received a close request, stopping all polling")
		runtime.StopPolling()
	case applies:
		runtime.Logger().ErrorString(
			mctx.Annotate(ctx, "listener", runtime.Name()),
			"got a request to end all bus operations but does not have the authority to do so")
	case runtime.Verbose():
		runtime.Logger().Info(ctx, "close operations are not being called, they apply to a different instance")
	}
	return nil, nil
}

// trimStreams cuts the listener's stream down, optionally archiving the
// removed entries first.
func (d Deps) trimStreams(
	ctx context.Context,
	conn *mredis.Redis,
	runtime ebhandler.Runtime,
	message ebmsg.Typed,
	kwargs map[string]interface{},
) (ebmsg.Typed, error) {
	trim, ok := message.(*ebmsg.Trim)
	if !ok {
		trim = &ebmsg.Trim{Message: *message.Envelope()}
	}

	outputPath := trim.OutputPath
	if outputPath == "" {
		outputPath = d.RecordDirectory
	}

	return nil, Trim(ctx, d.Cmp, conn, d.Settings, TrimRequest{
		Stream:     runtime.Stream(),
		Count:      trim.Count,
		SaveOutput: trim.SaveOutput,
		OutputPath: outputPath,
		Filename:   trim.Filename,
		DateFormat: trim.DateFormat,
	})
}

// purgeConsumers removes a consumer and/or a drained group, guarded by
// executive authority.
func (d Deps) purgeConsumers(
	ctx context.Context,
	conn *mredis.Redis,
	runtime ebhandler.Runtime,
	message ebmsg.Typed,
	kwargs map[string]interface{},
) (ebmsg.Typed, error) {
	purge, ok := message.(*ebmsg.Purge)
	if !ok {
		runtime.Logger().WarnString(ctx, "a purge request arrived without a stream and group, ignoring it")
		return nil, nil
	}

	if !runtime.CanMakeExecutiveDecisions() {
		runtime.Logger().ErrorString(
			mctx.Annotate(ctx, "listener", runtime.Name()),
			"got a request to remove consumers but does not have the authority to do so")
		return nil, nil
	}

	return nil, Purge(ctx, d.Cmp, conn, d.Locks, d.Settings, PurgeRequest{
		Stream:   purge.Stream,
		Group:    purge.Group,
		Consumer: purge.Consumer,
		Force:    purge.Force,
	})
}
