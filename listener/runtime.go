package listener

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/christophertubbs/EventStream/ebcfg"
	"github.com/christophertubbs/EventStream/ebhandler"
	"github.com/christophertubbs/EventStream/ebmsg"
	"github.com/christophertubbs/EventStream/mcmp"
	"github.com/christophertubbs/EventStream/mctx"
	"github.com/christophertubbs/EventStream/mdb/mredis"
	"github.com/christophertubbs/EventStream/mlock"
	"github.com/christophertubbs/EventStream/mlog"
)

// Opts are the shared dependencies every Runtime needs.
type Opts struct {
	Client   *mredis.Redis
	Locks    *mlock.Manager
	Settings ebcfg.Settings
	Handlers *ebhandler.Registry
	Variants *ebmsg.Registry

	// Verbose enables extra insight logging.
	Verbose bool

	// Block bounds each blocking fresh read. Shorter values make shutdown
	// more responsive; DefaultBlockTime when zero.
	Block time.Duration

	// Executive marks the runtime as allowed to act on fleet-control
	// events. Only master handler listeners are built with it.
	Executive bool

	// OnStop, when set, is invoked whenever a handler asks this runtime to
	// stop polling. The pool uses it to spread one listener's close across
	// every listener of the instance: all streams end when one ends. It
	// must tolerate being re-entered.
	OnStop func()
}

// Runtime runs one event-processing loop for one configured listener,
// translating store batches into handler invocations with at-least-once
// semantics and bounded per-handler retries.
type Runtime struct {
	cmp  *mcmp.Component
	opts Opts

	listener ebcfg.Listener
	bus      *ebcfg.BusListener
	hgroup   *ebcfg.HandlerGroup

	conn        *mredis.Redis
	privateConn bool

	keepPolling int32
	cancel      context.CancelFunc
	done        chan struct{}
	startOnce   sync.Once
}

// NewBus builds the runtime for a bus listener.
func NewBus(parent *mcmp.Component, opts Opts, bus *ebcfg.BusListener) *Runtime {
	return &Runtime{
		cmp:      parent.Child("listener-" + bus.Name),
		opts:     opts,
		listener: bus,
		bus:      bus,
		done:     make(chan struct{}),
	}
}

// NewGroup builds the runtime for a handler group.
func NewGroup(parent *mcmp.Component, opts Opts, group *ebcfg.HandlerGroup) *Runtime {
	return &Runtime{
		cmp:      parent.Child("listener-" + group.Name),
		opts:     opts,
		listener: group,
		hgroup:   group,
		done:     make(chan struct{}),
	}
}

// Name implements ebhandler.Runtime.
func (r *Runtime) Name() string { return r.listener.ListenerName() }

// Verbose implements ebhandler.Runtime.
func (r *Runtime) Verbose() bool { return r.opts.Verbose }

// CanMakeExecutiveDecisions implements ebhandler.Runtime.
func (r *Runtime) CanMakeExecutiveDecisions() bool { return r.opts.Executive }

// ApplicationName implements ebhandler.Runtime.
func (r *Runtime) ApplicationName() string { return r.listener.ApplicationName(false) }

// ApplicationInstance implements ebhandler.Runtime.
func (r *Runtime) ApplicationInstance() string { return r.listener.ApplicationInstance() }

// Stream implements ebhandler.Runtime.
func (r *Runtime) Stream() string { return r.listener.StreamName() }

// Logger implements ebhandler.Runtime.
func (r *Runtime) Logger() *mlog.Logger { return mlog.From(r.cmp) }

// StopPolling asks the loop to end after the current batch finishes
// dispatching, and spreads the stop via OnStop when one is wired.
func (r *Runtime) StopPolling() {
	r.stopLocal()
	if r.opts.OnStop != nil {
		r.opts.OnStop()
	}
}

// stopLocal flips this loop's guard without fanning out.
func (r *Runtime) stopLocal() { atomic.StoreInt32(&r.keepPolling, 0) }

// Close stops polling and cancels the loop's in-flight waits.
func (r *Runtime) Close() {
	r.StopPolling()
	if r.cancel != nil {
		r.cancel()
	}
}

// Done is closed when the loop has fully exited.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Launch runs Listen on its own goroutine.
func (r *Runtime) Launch(ctx context.Context) {
	r.startOnce.Do(func() {
		go func() {
			if err := r.Listen(ctx); err != nil {
				mlog.From(r.cmp).Error(mctx.Annotate(ctx, "listener", r.Name()),
					"listener loop ended with an error", err)
			}
		}()
	})
}

// Listen opens the store connection, joins the group, and polls until
// stopped. It blocks for the life of the listener.
func (r *Runtime) Listen(ctx context.Context) error {
	defer close(r.done)

	ctx, r.cancel = context.WithCancel(ctx)
	defer r.cancel()

	if err := r.connect(); err != nil {
		return err
	}
	defer r.disconnect(ctx)

	consumer := NewConsumer(
		r.cmp, r.conn, r.opts.Locks, r.opts.Settings,
		r.listener.StreamName(), r.listener.GroupName(), r.listener.ConsumerName())
	if err := consumer.Create(ctx); err != nil {
		return err
	}

	if r.opts.Verbose {
		mlog.From(r.cmp).Info(
			mctx.Annotate(ctx, "group", consumer.Group(), "consumer", consumer.Name()),
			"now listening")
	}

	atomic.StoreInt32(&r.keepPolling, 1)
	for atomic.LoadInt32(&r.keepPolling) == 1 && ctx.Err() == nil {
		batch, err := consumer.Read(ctx, r.opts.Block)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			mlog.From(r.cmp).Warn(ctx, "reading from the stream failed, waiting and trying again", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		var wg sync.WaitGroup
		for messageID, payload := range batch {
			wg.Add(1)
			go func(messageID string, payload map[string]string) {
				defer wg.Done()
				r.dispatch(ctx, consumer, messageID, payload, &wg)
			}(messageID, payload)
		}
		wg.Wait()
	}

	// the loop's own context may already be dead; removal gets its own
	removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := consumer.Remove(removeCtx); err != nil {
		mlog.From(r.cmp).Warn(removeCtx, "could not remove the consumer from its group", err)
	}

	if r.opts.Verbose {
		mlog.From(r.cmp).Info(
			mctx.Annotate(context.Background(), "listener", r.Name()),
			"no longer listening for messages")
	}
	return nil
}

func (r *Runtime) connect() error {
	if override := r.listener.RedisOverride(); override != nil {
		conn, err := override.Connect(r.cmp, r.opts.Settings)
		if err != nil {
			return err
		}
		r.conn = conn
		r.privateConn = true
		return nil
	}
	r.conn = r.opts.Client
	return nil
}

func (r *Runtime) disconnect(ctx context.Context) {
	if !r.privateConn {
		return
	}
	if err := r.conn.Close(); err != nil {
		mlog.From(r.cmp).Warn(ctx, "could not close the listener's store connection", err)
	}
}

// dispatch runs one message through its handlers and schedules its
// responses. Errors are local to the message: they're logged and the batch
// continues.
func (r *Runtime) dispatch(ctx context.Context, consumer *Consumer, messageID string, payload map[string]string, wg *sync.WaitGroup) {
	decoded := ebmsg.DecodePayload(payload)

	var responses []ebmsg.Typed
	var err error
	if r.bus != nil {
		responses, err = r.processBusMessage(ctx, consumer, messageID, decoded)
	} else {
		responses, err = r.processGroupMessage(ctx, consumer, messageID, decoded)
	}
	if err != nil {
		mlog.From(r.cmp).Error(
			mctx.Annotate(ctx, "messageId", messageID, "listener", r.Name()),
			"processing a message failed", err)
		return
	}

	for _, response := range responses {
		wg.Add(1)
		go func(response ebmsg.Typed) {
			defer wg.Done()
			r.processResponse(ctx, consumer, messageID, response)
		}(response)
	}
}

// processBusMessage implements bus dispatch: claim the progress record for
// every configured handler, run the ones still owed, and finalize.
func (r *Runtime) processBusMessage(ctx context.Context, consumer *Consumer, messageID string, decoded map[string]interface{}) ([]ebmsg.Typed, error) {
	event, _ := decoded["event"].(string)
	if event == "" {
		mlog.From(r.cmp).WarnString(
			mctx.Annotate(ctx, "messageId", messageID, "stream", consumer.Stream()),
			"no event name was passed in the message")
		return nil, nil
	}

	designations := r.handlersForEvent(event)
	if len(designations) == 0 {
		// not acked; the message idle-reclaims to someone else or ages out
		mlog.From(r.cmp).WarnString(
			mctx.Annotate(ctx, "event", event, "messageId", messageID),
			"there were no handlers for the event")
		return nil, nil
	}

	handlerIDs := make([]string, len(designations))
	for i, designation := range designations {
		handlerIDs[i] = designation.Identifier()
	}

	record, err := consumer.ClaimProgress(ctx, messageID, handlerIDs)
	if err != nil {
		return nil, err
	}
	owed := map[string]bool{}
	for _, handlerID := range owedHandlers(record, r.opts.Settings.MaxHandlerAttempts) {
		owed[handlerID] = true
	}

	var responses []ebmsg.Typed
	for _, designation := range designations {
		if !owed[designation.Identifier()] {
			continue
		}

		response, err := r.invoke(ctx, consumer, messageID, designation, decoded)
		if err != nil {
			mlog.From(r.cmp).Error(
				mctx.Annotate(ctx, "event", event, "messageId", messageID, "handler", designation.Identifier()),
				"a handler failed", err)
			if recordErr := consumer.RecordFailure(ctx, messageID, designation.Identifier()); recordErr != nil {
				return responses, recordErr
			}
			continue
		}

		if recordErr := consumer.RecordSuccess(ctx, messageID, designation.Identifier()); recordErr != nil {
			return responses, recordErr
		}
		if response != nil {
			responses = append(responses, response)
		}
	}

	// ack only when the progress record owes nothing more; otherwise the
	// message goes back to the inbox for another worker
	if _, err := consumer.Finalize(ctx, messageID); err != nil {
		return responses, err
	}
	return responses, nil
}

// processGroupMessage implements handler-group dispatch: one event, one
// handler. Events the group isn't responsible for are acknowledged
// immediately.
func (r *Runtime) processGroupMessage(ctx context.Context, consumer *Consumer, messageID string, decoded map[string]interface{}) ([]ebmsg.Typed, error) {
	event, _ := decoded["event"].(string)
	handlerID := r.hgroup.Handler.Identifier()

	if !r.groupHandlesEvent(event) {
		_, err := consumer.MarkComplete(ctx, messageID, handlerID)
		return nil, err
	}

	record, err := consumer.ClaimProgress(ctx, messageID, []string{handlerID})
	if err != nil {
		return nil, err
	}
	if len(owedHandlers(record, r.opts.Settings.MaxHandlerAttempts)) == 0 {
		_, err := consumer.Finalize(ctx, messageID)
		return nil, err
	}

	response, err := r.invoke(ctx, consumer, messageID, r.hgroup.Handler, decoded)
	if err != nil {
		mlog.From(r.cmp).Error(
			mctx.Annotate(ctx, "event", event, "messageId", messageID, "handler", handlerID),
			"the group's handler failed", err)
		if recordErr := consumer.RecordFailure(ctx, messageID, handlerID); recordErr != nil {
			return nil, recordErr
		}
		mlog.From(r.cmp).WarnString(
			mctx.Annotate(ctx, "messageId", messageID),
			"the message could not be processed, returning it to the queue")
		return nil, consumer.Release(ctx, messageID, "")
	}

	if _, err := consumer.MarkComplete(ctx, messageID, handlerID); err != nil {
		return nil, err
	}
	if response == nil {
		return nil, nil
	}
	return []ebmsg.Typed{response}, nil
}

// invoke parses the payload into the designation's message shape and calls
// the handler.
func (r *Runtime) invoke(ctx context.Context, consumer *Consumer, messageID string, designation *ebcfg.CodeDesignation, decoded map[string]interface{}) (ebmsg.Typed, error) {
	variant := designation.MessageVariant
	if variant == "" && r.hgroup != nil {
		variant = r.hgroup.MessageVariant
	}

	withID := make(map[string]interface{}, len(decoded)+1)
	for key, value := range decoded {
		withID[key] = value
	}
	if _, ok := withID["message_id"]; !ok {
		withID["message_id"] = messageID
	}

	var message ebmsg.Typed
	var err error
	if variant != "" {
		message, err = r.opts.Variants.ParseAs(variant, withID)
	} else {
		message, err = r.opts.Variants.Parse(withID)
	}
	if err != nil {
		return nil, err
	}

	registration := designation.Handler()
	return registration.Handler(ctx, r.conn, r, message, designation.Kwargs)
}

// processResponse publishes a handler's returned message back onto the
// listener's stream.
func (r *Runtime) processResponse(ctx context.Context, consumer *Consumer, messageID string, response ebmsg.Typed) {
	env := response.Envelope()
	if env.ResponseTo == "" {
		env.ResponseTo = messageID
	}

	_, err := env.Send(ctx, r.conn, consumer.Stream(), ebmsg.SendOpts{
		ApplicationName:     r.ApplicationName(),
		ApplicationInstance: r.ApplicationInstance(),
		MaxStreamLength:     r.opts.Settings.MaxStreamLength,
		IncludeStack:        r.opts.Settings.Debug,
		DatetimeFormat:      r.opts.Settings.DatetimeFormat,
	})
	if err != nil {
		mlog.From(r.cmp).Error(
			mctx.Annotate(ctx, "messageId", messageID, "event", env.Event),
			"an error occurred when processing a message response", err)
	}
}

// handlersForEvent finds the bus designations for the event, matching the
// configured event name first and handler aliases second.
func (r *Runtime) handlersForEvent(event string) []*ebcfg.CodeDesignation {
	if designations := r.bus.HandlersFor(event); len(designations) > 0 {
		return designations
	}

	var matched []*ebcfg.CodeDesignation
	for _, designations := range r.bus.Handlers {
		for _, designation := range designations {
			if registration := designation.Handler(); registration != nil && registration.Matches(event) {
				matched = append(matched, designation)
			}
		}
	}
	return matched
}

// groupHandlesEvent reports whether the group's configured event (or its
// handler's aliases) match the incoming event.
func (r *Runtime) groupHandlesEvent(event string) bool {
	if event == "" {
		return false
	}
	if r.hgroup.Event == event {
		return true
	}
	registration := r.hgroup.Handler.Handler()
	return registration != nil && registration.Matches(event)
}
