// Package listener implements the stream-group consumer protocol and the
// poll-loop runtime that turns stream entries into handler invocations.
package listener

import (
	"context"
	"strconv"
	"time"

	"github.com/christophertubbs/EventStream/ebcfg"
	"github.com/christophertubbs/EventStream/mcmp"
	"github.com/christophertubbs/EventStream/mctx"
	"github.com/christophertubbs/EventStream/mdb/mredis"
	"github.com/christophertubbs/EventStream/merr"
	"github.com/christophertubbs/EventStream/mlock"
	"github.com/christophertubbs/EventStream/mlog"

	"github.com/mediocregopher/radix/v3"
)

// DefaultBlockTime bounds a single blocking group read when the caller gives
// no bound of its own.
const DefaultBlockTime = 100 * time.Second

// handlerComplete marks a finished handler in the progress record; any other
// value is that handler's attempt count so far.
const handlerComplete = "true"

// Consumer owns one (stream, group, consumer) tuple and presents a reliable
// iterator of message batches: released work first, orphaned work second,
// fresh messages last.
type Consumer struct {
	cmp      *mcmp.Component
	client   *mredis.Redis
	locks    *mlock.Manager
	settings ebcfg.Settings

	stream string
	group  string
	name   string

	active        bool
	lastProcessed string
	excluded      map[string]bool
}

// NewConsumer builds a Consumer. Nothing exists on the store until Create.
func NewConsumer(
	cmp *mcmp.Component,
	client *mredis.Redis,
	locks *mlock.Manager,
	settings ebcfg.Settings,
	stream, group, name string,
) *Consumer {
	return &Consumer{
		cmp:      cmp,
		client:   client,
		locks:    locks,
		settings: settings,
		stream:   stream,
		group:    group,
		name:     name,
		excluded: map[string]bool{},
	}
}

// Stream returns the stream this consumer reads.
func (c *Consumer) Stream() string { return c.stream }

// Group returns the group this consumer belongs to.
func (c *Consumer) Group() string { return c.group }

// Name returns the consumer's unique name within the group.
func (c *Consumer) Name() string { return c.name }

// Active reports whether Create has run and Remove has not.
func (c *Consumer) Active() bool { return c.active }

// LastProcessed returns the id of the most recently completed message.
func (c *Consumer) LastProcessed() string { return c.lastProcessed }

// Exclude prevents the given message id from being idle-reclaimed by this
// consumer again. Used after this consumer has given a message up for good.
func (c *Consumer) Exclude(messageID string) {
	c.excluded[messageID] = true
}

func (c *Consumer) groupLock() *mlock.Lock {
	return c.locks.Lock(c.settings.KeySeparator, c.stream, c.group, "")
}

func (c *Consumer) messageLock(messageID string) *mlock.Lock {
	return c.locks.Lock(c.settings.KeySeparator, c.stream, c.group, messageID)
}

// Create ensures the group (and its inbox consumer) exist, then registers
// this consumer, all under the group lock so concurrent instances don't
// race the same mutations.
func (c *Consumer) Create(ctx context.Context) error {
	lock := c.groupLock()
	scope, err := lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer c.releaseLock(ctx, lock, scope)

	created, err := c.client.XGroupCreate(c.stream, c.group, "$")
	if err != nil {
		return err
	}
	if created {
		if err := c.client.XGroupCreateConsumer(c.stream, c.group, c.settings.InboxName); err != nil {
			return err
		}
	}

	// Stay locked while the consumer is added so the group can't be
	// destroyed out from under it in between.
	if err := c.client.XGroupCreateConsumer(c.stream, c.group, c.name); err != nil {
		return err
	}

	c.active = true
	return nil
}

// Read returns a non-empty batch of message id to raw payload, blocking up
// to block per fresh-read attempt (DefaultBlockTime when zero). Released
// work in the inbox is drained first, then work idle past the reclaim
// threshold anywhere in the group, then fresh messages.
func (c *Consumer) Read(ctx context.Context, block time.Duration) (map[string]map[string]string, error) {
	if block <= 0 {
		block = DefaultBlockTime
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, merr.Wrap(c.cmp.Context(), err)
		}

		batch, err := c.readInbox(ctx)
		if err != nil {
			return nil, err
		} else if len(batch) > 0 {
			return batch, nil
		}

		batch, err = c.reclaimIdle(ctx)
		if err != nil {
			return nil, err
		} else if len(batch) > 0 {
			return batch, nil
		}

		batch, err = c.client.XReadGroup(c.stream, c.group, c.name, ">", 0, block)
		if err != nil {
			return nil, err
		} else if len(batch) > 0 {
			return batch, nil
		}

		select {
		case <-ctx.Done():
			return nil, merr.Wrap(c.cmp.Context(), ctx.Err())
		case <-time.After(time.Second):
		}
	}
}

// readInbox claims whatever the group's inbox consumer currently owns.
func (c *Consumer) readInbox(ctx context.Context) (map[string]map[string]string, error) {
	lock := c.groupLock()
	scope, err := lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.releaseLock(ctx, lock, scope)

	pending, err := c.client.XPendingRange(c.stream, c.group, mredis.PendingOpts{
		Consumer: c.settings.InboxName,
	})
	if err != nil || len(pending) == 0 {
		return nil, err
	}

	ids := make([]radix.StreamEntryID, len(pending))
	for i, entry := range pending {
		ids[i] = entry.ID
	}

	claimed, err := c.client.XClaim(c.stream, c.group, c.name, 0, ids)
	if err != nil {
		return nil, err
	}
	return entriesToBatch(claimed), nil
}

// reclaimIdle claims messages any consumer in the group has sat on past the
// idle threshold, excluding ids this consumer has given up on.
func (c *Consumer) reclaimIdle(ctx context.Context) (map[string]map[string]string, error) {
	lock := c.groupLock()
	scope, err := lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.releaseLock(ctx, lock, scope)

	pending, err := c.client.XPendingRange(c.stream, c.group, mredis.PendingOpts{
		MinIdle: c.settings.MaxIdleTime,
	})
	if err != nil {
		return nil, err
	}

	ids := make([]radix.StreamEntryID, 0, len(pending))
	for _, entry := range pending {
		if c.excluded[entry.ID.String()] {
			continue
		}
		ids = append(ids, entry.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimed, err := c.client.XClaim(c.stream, c.group, c.name, c.settings.MaxIdleTime, ids)
	if err != nil {
		return nil, err
	}
	return entriesToBatch(claimed), nil
}

// ClaimProgress initializes the message's progress record for the given
// handler identifiers and returns the current record, all under the message
// lock in one pipelined round trip.
func (c *Consumer) ClaimProgress(ctx context.Context, messageID string, handlerIDs []string) (map[string]string, error) {
	lock := c.messageLock(messageID)
	scope, err := lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.releaseLock(ctx, lock, scope)

	key := c.settings.ProgressKey(messageID, c.group)
	cmds := make([]radix.CmdAction, 0, len(handlerIDs)+1)
	for _, handlerID := range handlerIDs {
		cmds = append(cmds, radix.Cmd(nil, "HSETNX", key, handlerID, "0"))
	}
	cmds = append(cmds, radix.Cmd(nil, "EXPIRE", key, strconv.FormatInt(int64(c.settings.KeyLifetime.Seconds()), 10)))
	if err := c.client.Pipeline(cmds...); err != nil {
		return nil, err
	}

	return c.client.HGetAll(key)
}

// RecordSuccess marks the handler complete in the progress record.
func (c *Consumer) RecordSuccess(ctx context.Context, messageID, handlerID string) error {
	return c.updateProgress(ctx, messageID, func(key string) error {
		return c.client.HSet(key, handlerID, handlerComplete)
	})
}

// RecordFailure counts one more failed attempt against the handler.
func (c *Consumer) RecordFailure(ctx context.Context, messageID, handlerID string) error {
	return c.updateProgress(ctx, messageID, func(key string) error {
		_, err := c.client.HIncrBy(key, handlerID, 1)
		return err
	})
}

func (c *Consumer) updateProgress(ctx context.Context, messageID string, update func(key string) error) error {
	lock := c.messageLock(messageID)
	scope, err := lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer c.releaseLock(ctx, lock, scope)

	key := c.settings.ProgressKey(messageID, c.group)
	if err := update(key); err != nil {
		return err
	}
	return c.client.Expire(key, c.settings.KeyLifetime)
}

// MarkComplete records the handler as complete and, when the progress record
// shows every handler either complete or permanently failed, acknowledges
// the message and deletes the record. Otherwise the message is released back
// to the inbox for another worker. Returns whether the message was fully
// acknowledged.
func (c *Consumer) MarkComplete(ctx context.Context, messageID, handlerID string) (bool, error) {
	lock := c.messageLock(messageID)
	scope, err := lock.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer c.releaseLock(ctx, lock, scope)

	key := c.settings.ProgressKey(messageID, c.group)
	if err := c.client.HSet(key, handlerID, handlerComplete); err != nil {
		return false, err
	}

	record, err := c.client.HGetAll(key)
	if err != nil {
		return false, err
	}

	if owed := owedHandlers(record, c.settings.MaxHandlerAttempts); len(owed) > 0 {
		if err := c.Release(ctx, messageID, ""); err != nil {
			return false, err
		}
		return false, nil
	}

	if _, err := c.client.Del(key); err != nil {
		return false, err
	}
	if err := c.ack(messageID); err != nil {
		return false, err
	}
	c.lastProcessed = messageID
	return true, nil
}

// Finalize acknowledges a message whose progress record shows no handler
// still owed, without marking anything new. Returns whether it acked.
func (c *Consumer) Finalize(ctx context.Context, messageID string) (bool, error) {
	lock := c.messageLock(messageID)
	scope, err := lock.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer c.releaseLock(ctx, lock, scope)

	key := c.settings.ProgressKey(messageID, c.group)
	record, err := c.client.HGetAll(key)
	if err != nil {
		return false, err
	}

	if owed := owedHandlers(record, c.settings.MaxHandlerAttempts); len(owed) > 0 {
		if err := c.Release(ctx, messageID, ""); err != nil {
			return false, err
		}
		return false, nil
	}

	if _, err := c.client.Del(key); err != nil {
		return false, err
	}
	if err := c.ack(messageID); err != nil {
		return false, err
	}
	c.lastProcessed = messageID
	return true, nil
}

// Release claims the message back to the inbox (or the named consumer),
// making it available to another worker.
func (c *Consumer) Release(ctx context.Context, messageID, to string) error {
	if to == "" {
		to = c.settings.InboxName
	}
	id, err := parseEntryID(messageID)
	if err != nil {
		return merr.Wrap(c.cmp.Context(), err)
	}
	_, err = c.client.XClaim(c.stream, c.group, to, 0, []radix.StreamEntryID{id})
	return err
}

// Remove transfers everything this consumer still owns to the inbox and
// deletes the consumer from the group.
func (c *Consumer) Remove(ctx context.Context) error {
	if err := c.transferToInbox(ctx); err != nil {
		// the consumer is still deleted below; losing its pending entries
		// is worse than leaving them idle for reclaim
		mlog.From(c.cmp).Warn(
			mctx.Annotate(ctx, "stream", c.stream, "group", c.group, "consumer", c.name),
			"could not move pending messages from a closing consumer to the inbox", err)
	}

	if err := c.client.XGroupDelConsumer(c.stream, c.group, c.name); err != nil {
		return err
	}
	c.active = false
	return nil
}

func (c *Consumer) transferToInbox(ctx context.Context) error {
	lock := c.groupLock()
	scope, err := lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer c.releaseLock(ctx, lock, scope)

	pending, err := c.client.XPendingRange(c.stream, c.group, mredis.PendingOpts{
		Consumer: c.name,
	})
	if err != nil || len(pending) == 0 {
		return err
	}

	ids := make([]radix.StreamEntryID, len(pending))
	for i, entry := range pending {
		ids[i] = entry.ID
	}
	_, err = c.client.XClaim(c.stream, c.group, c.settings.InboxName, 0, ids)
	return err
}

func (c *Consumer) ack(messageID string) error {
	id, err := parseEntryID(messageID)
	if err != nil {
		return merr.Wrap(c.cmp.Context(), err)
	}
	return c.client.XAck(c.stream, c.group, id)
}

func (c *Consumer) releaseLock(ctx context.Context, lock *mlock.Lock, scope mlock.Scope) {
	if err := lock.Release(ctx, scope); err != nil {
		mlog.From(c.cmp).Warn(
			mctx.Annotate(ctx, "lockKey", lock.Key()),
			"could not release a group lock", err)
	}
}

// owedHandlers lists the handlers the progress record still owes an
// execution: not complete, and under the attempt ceiling.
func owedHandlers(record map[string]string, maxAttempts int) []string {
	var owed []string
	for handlerID, value := range record {
		if value == handlerComplete {
			continue
		}
		attempts, err := strconv.Atoi(value)
		if err != nil {
			// an unreadable counter is retried rather than silently dropped
			attempts = 0
		}
		if attempts < maxAttempts {
			owed = append(owed, handlerID)
		}
	}
	return owed
}

func entriesToBatch(entries []radix.StreamEntry) map[string]map[string]string {
	if len(entries) == 0 {
		return nil
	}
	batch := make(map[string]map[string]string, len(entries))
	for _, entry := range entries {
		batch[entry.ID.String()] = entry.Fields
	}
	return batch
}

func parseEntryID(s string) (radix.StreamEntryID, error) {
	return mredis.ParseStreamEntryID(s)
}
