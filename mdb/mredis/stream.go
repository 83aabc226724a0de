package mredis

import (
	"bufio"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/christophertubbs/EventStream/mctx"
	"github.com/christophertubbs/EventStream/merr"

	"github.com/mediocregopher/radix/v3"
	"github.com/mediocregopher/radix/v3/resp/resp2"
)

// borrowed from radix
type streamReaderEntry struct {
	stream  []byte
	entries []radix.StreamEntry
}

func (s *streamReaderEntry) UnmarshalRESP(br *bufio.Reader) error {
	var ah resp2.ArrayHeader
	if err := ah.UnmarshalRESP(br); err != nil {
		return err
	}
	if ah.N != 2 {
		return errors.New("invalid xread[group] response")
	}

	var stream resp2.BulkStringBytes
	stream.B = s.stream[:0]
	if err := stream.UnmarshalRESP(br); err != nil {
		return err
	}
	s.stream = stream.B

	return (resp2.Any{I: &s.entries}).UnmarshalRESP(br)
}

// ParseStreamEntryID parses the <ms>-<seq> wire form of a stream entry id.
func ParseStreamEntryID(s string) (radix.StreamEntryID, error) {
	var id radix.StreamEntryID
	split := strings.SplitN(s, "-", 2)
	if len(split) != 2 {
		return id, errors.New("invalid stream entry id: " + s)
	}
	var err error
	if id.Time, err = strconv.ParseUint(split[0], 10, 64); err != nil {
		return id, err
	}
	if id.Seq, err = strconv.ParseUint(split[1], 10, 64); err != nil {
		return id, err
	}
	return id, nil
}

// PendingEntry is one row of an XPENDING range reply.
type PendingEntry struct {
	ID            radix.StreamEntryID
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// PendingOpts filter an XPendingRange call. Zero values mean "no filter".
type PendingOpts struct {
	// Consumer restricts the scan to entries owned by that consumer.
	Consumer string

	// MinIdle restricts the scan to entries idle for at least this long.
	MinIdle time.Duration

	// Count bounds the number of returned rows. Defaults to 1000.
	Count int
}

// GroupInfo is one row of an XINFO GROUPS reply.
type GroupInfo struct {
	Name      string
	Consumers int64
	Pending   int64
}

// ConsumerInfo is one row of an XINFO CONSUMERS reply.
type ConsumerInfo struct {
	Name    string
	Pending int64
	Idle    time.Duration
}

// XAdd appends fields to the stream, trimming it to approximately maxLen
// entries when maxLen is greater than zero. The assigned id is returned.
func (r *Redis) XAdd(stream string, maxLen int, fields map[string]string) (radix.StreamEntryID, error) {
	args := []string{stream}
	if maxLen > 0 {
		args = append(args, "MAXLEN", "~", strconv.Itoa(maxLen))
	}
	args = append(args, "*")
	for k, v := range fields {
		args = append(args, k, v)
	}

	var id radix.StreamEntryID
	if err := r.Do(radix.Cmd(&id, "XADD", args...)); err != nil {
		return radix.StreamEntryID{}, merr.Wrap(r.cmp.Context(), err)
	}
	return id, nil
}

// XReadGroup performs a single blocking group read against one stream using
// the given cursor (">" for undelivered messages). A nil map is returned when
// the block time elapses without any messages arriving.
func (r *Redis) XReadGroup(stream, group, consumer, cursor string, count int, block time.Duration) (map[string]map[string]string, error) {
	args := []string{"GROUP", group, consumer}
	if count > 0 {
		args = append(args, "COUNT", strconv.Itoa(count))
	}
	if block > 0 {
		args = append(args, "BLOCK", strconv.FormatInt(block.Milliseconds(), 10))
	}
	args = append(args, "STREAMS", stream, cursor)

	var srEntries []streamReaderEntry
	err := r.Do(radix.Cmd(&srEntries, "XREADGROUP", args...))
	if err != nil {
		return nil, merr.Wrap(r.cmp.Context(), err)
	} else if len(srEntries) == 0 {
		return nil, nil // no messages
	} else if len(srEntries) != 1 || string(srEntries[0].stream) != stream {
		return nil, merr.New(
			mctx.Annotate(r.cmp.Context(), "stream", stream),
			"malformed return from XREADGROUP")
	}

	out := make(map[string]map[string]string, len(srEntries[0].entries))
	for _, entry := range srEntries[0].entries {
		out[entry.ID.String()] = entry.Fields
	}
	return out, nil
}

// XRange scans the stream in increasing id order. Zero count means no bound.
func (r *Redis) XRange(stream, min, max string, count int) ([]radix.StreamEntry, error) {
	args := []string{stream, min, max}
	if count > 0 {
		args = append(args, "COUNT", strconv.Itoa(count))
	}
	var entries []radix.StreamEntry
	if err := r.Do(radix.Cmd(&entries, "XRANGE", args...)); err != nil {
		return nil, merr.Wrap(r.cmp.Context(), err)
	}
	return entries, nil
}

// XRevRange scans the stream in decreasing id order.
func (r *Redis) XRevRange(stream, max, min string, count int) ([]radix.StreamEntry, error) {
	args := []string{stream, max, min}
	if count > 0 {
		args = append(args, "COUNT", strconv.Itoa(count))
	}
	var entries []radix.StreamEntry
	if err := r.Do(radix.Cmd(&entries, "XREVRANGE", args...)); err != nil {
		return nil, merr.Wrap(r.cmp.Context(), err)
	}
	return entries, nil
}

// XPendingRange lists the group's pending entries, optionally filtered by
// owning consumer and/or minimum idle time.
func (r *Redis) XPendingRange(stream, group string, opts PendingOpts) ([]PendingEntry, error) {
	count := opts.Count
	if count == 0 {
		count = 1000
	}

	args := []string{stream, group}
	if opts.MinIdle > 0 {
		args = append(args, "IDLE", strconv.FormatInt(opts.MinIdle.Milliseconds(), 10))
	}
	args = append(args, "-", "+", strconv.Itoa(count))
	if opts.Consumer != "" {
		args = append(args, opts.Consumer)
	}

	var raw []interface{}
	if err := r.Do(radix.Cmd(&raw, "XPENDING", args...)); err != nil {
		return nil, merr.Wrap(r.cmp.Context(), err)
	}

	entries := make([]PendingEntry, 0, len(raw))
	for _, rowI := range raw {
		row, ok := rowI.([]interface{})
		if !ok || len(row) < 4 {
			return nil, merr.New(r.cmp.Context(), "malformed return from XPENDING")
		}
		var entry PendingEntry
		id, err := ParseStreamEntryID(respString(row[0]))
		if err != nil {
			return nil, merr.Wrap(r.cmp.Context(), err)
		}
		entry.ID = id
		entry.Consumer = respString(row[1])
		entry.Idle = time.Duration(respInt(row[2])) * time.Millisecond
		entry.DeliveryCount = respInt(row[3])
		entries = append(entries, entry)
	}
	return entries, nil
}

// XClaim transfers ownership of the given pending entries to the consumer,
// provided they have been idle at least minIdle. The claimed entries are
// returned; ids which no longer exist in the stream are silently skipped by
// the store.
func (r *Redis) XClaim(stream, group, consumer string, minIdle time.Duration, ids []radix.StreamEntryID) ([]radix.StreamEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := []string{stream, group, consumer, strconv.FormatInt(minIdle.Milliseconds(), 10)}
	for _, id := range ids {
		args = append(args, id.String())
	}
	var entries []radix.StreamEntry
	if err := r.Do(radix.Cmd(&entries, "XCLAIM", args...)); err != nil {
		return nil, merr.Wrap(r.cmp.Context(), err)
	}
	return entries, nil
}

// XAck removes the entry from the group's pending set.
func (r *Redis) XAck(stream, group string, id radix.StreamEntryID) error {
	return merr.Wrap(r.cmp.Context(), r.Do(radix.Cmd(nil, "XACK", stream, group, id.String())))
}

// XGroupCreate ensures the group exists on the stream, creating the stream
// itself if needed. The store answers BUSYGROUP when the group already
// exists; that is reported as created=false, not as an error, since
// concurrent creation is expected.
func (r *Redis) XGroupCreate(stream, group, initialCursor string) (bool, error) {
	if initialCursor == "" {
		initialCursor = "$"
	}
	// MKSTREAM is not documented, but will make the stream if it doesn't
	// already exist. Only the most elite redis gurus know of it's
	// existence, don't tell anyone.
	err := r.Do(radix.Cmd(nil, "XGROUP", "CREATE", stream, group, initialCursor, "MKSTREAM"))
	if err == nil {
		return true, nil
	} else if strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return false, nil
	}
	return false, merr.Wrap(r.cmp.Context(), err)
}

// XGroupCreateConsumer adds a named consumer to the group.
func (r *Redis) XGroupCreateConsumer(stream, group, consumer string) error {
	return merr.Wrap(r.cmp.Context(), r.Do(radix.Cmd(nil, "XGROUP", "CREATECONSUMER", stream, group, consumer)))
}

// XGroupDelConsumer removes a consumer from the group. Any entries it still
// owns are dropped from the pending set, so callers transfer them first.
func (r *Redis) XGroupDelConsumer(stream, group, consumer string) error {
	return merr.Wrap(r.cmp.Context(), r.Do(radix.Cmd(nil, "XGROUP", "DELCONSUMER", stream, group, consumer)))
}

// XGroupDestroy deletes the group entirely.
func (r *Redis) XGroupDestroy(stream, group string) error {
	return merr.Wrap(r.cmp.Context(), r.Do(radix.Cmd(nil, "XGROUP", "DESTROY", stream, group)))
}

// XInfoGroups lists the groups attached to the stream.
func (r *Redis) XInfoGroups(stream string) ([]GroupInfo, error) {
	var raw []interface{}
	if err := r.Do(radix.Cmd(&raw, "XINFO", "GROUPS", stream)); err != nil {
		return nil, merr.Wrap(r.cmp.Context(), err)
	}

	groups := make([]GroupInfo, 0, len(raw))
	for _, rowI := range raw {
		fields := respFieldMap(rowI)
		groups = append(groups, GroupInfo{
			Name:      respString(fields["name"]),
			Consumers: respInt(fields["consumers"]),
			Pending:   respInt(fields["pending"]),
		})
	}
	return groups, nil
}

// XInfoConsumers lists the consumers within the group.
func (r *Redis) XInfoConsumers(stream, group string) ([]ConsumerInfo, error) {
	var raw []interface{}
	if err := r.Do(radix.Cmd(&raw, "XINFO", "CONSUMERS", stream, group)); err != nil {
		return nil, merr.Wrap(r.cmp.Context(), err)
	}

	consumers := make([]ConsumerInfo, 0, len(raw))
	for _, rowI := range raw {
		fields := respFieldMap(rowI)
		consumers = append(consumers, ConsumerInfo{
			Name:    respString(fields["name"]),
			Pending: respInt(fields["pending"]),
			Idle:    time.Duration(respInt(fields["idle"])) * time.Millisecond,
		})
	}
	return consumers, nil
}

// XLen returns the number of entries in the stream.
func (r *Redis) XLen(stream string) (int64, error) {
	var n int64
	if err := r.Do(radix.Cmd(&n, "XLEN", stream)); err != nil {
		return 0, merr.Wrap(r.cmp.Context(), err)
	}
	return n, nil
}

// XTrim trims the stream to approximately maxLen entries, newest first.
func (r *Redis) XTrim(stream string, maxLen int) error {
	return merr.Wrap(r.cmp.Context(), r.Do(radix.Cmd(nil, "XTRIM", stream, "MAXLEN", "~", strconv.Itoa(maxLen))))
}

// respString coerces a RESP reply element into a string.
func respString(v interface{}) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case []byte:
		return string(tv)
	case int64:
		return strconv.FormatInt(tv, 10)
	default:
		return ""
	}
}

// respInt coerces a RESP reply element into an int64.
func respInt(v interface{}) int64 {
	switch tv := v.(type) {
	case int64:
		return tv
	case string:
		n, _ := strconv.ParseInt(tv, 10, 64)
		return n
	case []byte:
		n, _ := strconv.ParseInt(string(tv), 10, 64)
		return n
	default:
		return 0
	}
}

// respFieldMap coerces an alternating field/value RESP array (the XINFO reply
// shape) into a map.
func respFieldMap(v interface{}) map[string]interface{} {
	row, ok := v.([]interface{})
	if !ok {
		return nil
	}
	fields := make(map[string]interface{}, len(row)/2)
	for i := 0; i+1 < len(row); i += 2 {
		fields[respString(row[i])] = row[i+1]
	}
	return fields
}
