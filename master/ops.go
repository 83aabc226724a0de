// Package master implements the control plane: the fleet-wide handlers
// carried by the master stream, the autowire that attaches them to every
// instance, and the operations behind the operational tools.
package master

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/christophertubbs/EventStream/ebcfg"
	"github.com/christophertubbs/EventStream/ebmsg"
	"github.com/christophertubbs/EventStream/mcmp"
	"github.com/christophertubbs/EventStream/mctx"
	"github.com/christophertubbs/EventStream/mdb/mredis"
	"github.com/christophertubbs/EventStream/merr"
	"github.com/christophertubbs/EventStream/mlock"
	"github.com/christophertubbs/EventStream/mlog"

	"github.com/mediocregopher/radix/v3"
)

// Instance identifies one running application process, as reported by a
// get_instance_response.
type Instance struct {
	ApplicationName     string
	ApplicationInstance string
}

// BroadcastGetInstance publishes a bare get_instance event on the stream.
// Every listening instance answers with a get_instance_response.
func BroadcastGetInstance(conn *mredis.Redis, stream string, maxLen int) error {
	_, err := conn.XAdd(stream, maxLen, map[string]string{
		"event": ebmsg.EventGetInstance,
	})
	return err
}

// CollectInstances scans the newest entries of the stream for
// get_instance_response messages matching the (optional) name/instance
// filters.
func CollectInstances(conn *mredis.Redis, stream string, scanCount int, applicationName, applicationInstance string) ([]Instance, error) {
	if scanCount <= 0 {
		scanCount = 15
	}

	entries, err := conn.XRevRange(stream, "+", "-", scanCount)
	if err != nil {
		return nil, err
	}

	var instances []Instance
	seen := map[Instance]bool{}
	for _, entry := range entries {
		decoded := ebmsg.DecodePayload(entry.Fields)
		if event, _ := decoded["event"].(string); event != ebmsg.EventGetInstance+ebmsg.ResponseSuffix {
			continue
		}

		instance := Instance{}
		instance.ApplicationName, _ = decoded["application_name"].(string)
		instance.ApplicationInstance, _ = decoded["application_instance"].(string)

		if applicationName != "" && instance.ApplicationName != applicationName {
			continue
		}
		if applicationInstance != "" && instance.ApplicationInstance != applicationInstance {
			continue
		}
		if seen[instance] {
			continue
		}
		seen[instance] = true
		instances = append(instances, instance)
	}
	return instances, nil
}

// SendClose publishes a close_streams event targeting one specific instance.
func SendClose(conn *mredis.Redis, stream string, target Instance, maxLen int) error {
	_, err := conn.XAdd(stream, maxLen, map[string]string{
		"event":                ebmsg.EventClose,
		"application_name":     target.ApplicationName,
		"application_instance": target.ApplicationInstance,
	})
	return err
}

// TrimRequest describes one trim operation.
type TrimRequest struct {
	Stream string

	// Count is how many entries survive, approximately. Zero falls back to
	// the settings' stream cap.
	Count int

	// SaveOutput archives the entries beyond Count before trimming.
	SaveOutput bool
	OutputPath string
	Filename   string

	// DateFormat names the archive file's timestamp layout.
	DateFormat string
}

// DefaultRecordDirectory is where trim archives land when the request
// doesn't say.
const DefaultRecordDirectory = "event_records"

// Trim archives (optionally) and trims the stream down to approximately the
// requested count, newest first. The archive is a JSON object of message id
// to decoded payload.
func Trim(ctx context.Context, cmp *mcmp.Component, conn *mredis.Redis, settings ebcfg.Settings, req TrimRequest) error {
	count := req.Count
	if count <= 0 {
		count = settings.MaxStreamLength
	}

	if req.SaveOutput {
		if err := archiveStream(ctx, cmp, conn, settings, req, count); err != nil {
			return err
		}
	}

	return conn.XTrim(req.Stream, count)
}

func archiveStream(ctx context.Context, cmp *mcmp.Component, conn *mredis.Redis, settings ebcfg.Settings, req TrimRequest, count int) error {
	currentLength, err := conn.XLen(req.Stream)
	if err != nil {
		return err
	}

	amountToWrite := int(currentLength) - count
	if amountToWrite <= 0 {
		return nil
	}

	entries, err := conn.XRange(req.Stream, "-", "+", amountToWrite)
	if err != nil {
		return err
	}

	records := make(map[string]map[string]interface{}, len(entries))
	for _, entry := range entries {
		records[entry.ID.String()] = ebmsg.DecodePayload(entry.Fields)
	}

	outputPath := req.OutputPath
	if outputPath == "" {
		outputPath = DefaultRecordDirectory
	}
	filename := req.Filename
	if filename == "" {
		dateFormat := req.DateFormat
		if dateFormat == "" {
			dateFormat = "2006-01-02_1504"
		}
		filename = req.Stream + "." + time.Now().UTC().Format(dateFormat) + ".txt"
	}

	if err := os.MkdirAll(outputPath, 0o755); err != nil {
		return merr.Wrap(mctx.Annotate(ctx, "outputPath", outputPath), err)
	}

	contents, err := json.Marshal(records)
	if err != nil {
		return merr.Wrap(ctx, err)
	}

	target := filepath.Join(outputPath, filename)
	if err := os.WriteFile(target, contents, 0o644); err != nil {
		return merr.Wrap(mctx.Annotate(ctx, "target", target), err)
	}

	mlog.From(cmp).Info(
		mctx.Annotate(ctx, "stream", req.Stream, "target", target, "records", len(records)),
		"archived stream records before trimming")
	return nil
}

// PurgeRequest describes one purge operation.
type PurgeRequest struct {
	Stream   string
	Group    string
	Consumer string
	Force    bool
}

// Purge drains and deletes a consumer (when named) and deletes the group
// once it has no pending messages, or regardless when forced. Everything
// runs under the group's lock.
func Purge(ctx context.Context, cmp *mcmp.Component, conn *mredis.Redis, locks *mlock.Manager, settings ebcfg.Settings, req PurgeRequest) error {
	exists, err := conn.Exists(req.Stream)
	if err != nil {
		return err
	} else if !exists {
		return nil
	}

	lock := locks.Lock(settings.KeySeparator, req.Stream, req.Group, "")
	scope, err := lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(ctx, scope); err != nil {
			mlog.From(cmp).Warn(mctx.Annotate(ctx, "lockKey", lock.Key()),
				"could not release the group lock after a purge", err)
		}
	}()

	if req.Consumer != "" {
		if err := drainConsumer(conn, settings, req.Stream, req.Group, req.Consumer); err != nil {
			mlog.From(cmp).Error(
				mctx.Annotate(ctx, "stream", req.Stream, "group", req.Group, "consumer", req.Consumer),
				"could not remove the consumer from the group", err)
		}
	}

	groups, err := conn.XInfoGroups(req.Stream)
	if err != nil {
		return err
	}
	var found *mredis.GroupInfo
	for i := range groups {
		if groups[i].Name == req.Group {
			found = &groups[i]
			break
		}
	}
	if found == nil {
		mlog.From(cmp).WarnString(
			mctx.Annotate(ctx, "stream", req.Stream, "group", req.Group),
			"cannot remove the group, there is no group by that name")
		return nil
	}

	if found.Pending > 0 && !req.Force {
		mlog.From(cmp).WarnString(
			mctx.Annotate(ctx, "stream", req.Stream, "group", req.Group, "pending", found.Pending),
			"not removing the group, it still has pending messages")
		return nil
	}
	if found.Pending > 0 {
		mlog.From(cmp).WarnString(
			mctx.Annotate(ctx, "stream", req.Stream, "group", req.Group, "pending", found.Pending),
			"force-removing a group which still has pending messages")
	}

	return conn.XGroupDestroy(req.Stream, req.Group)
}

func drainConsumer(conn *mredis.Redis, settings ebcfg.Settings, stream, group, consumer string) error {
	pending, err := conn.XPendingRange(stream, group, mredis.PendingOpts{Consumer: consumer})
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		ids := make([]radix.StreamEntryID, len(pending))
		for i, entry := range pending {
			ids[i] = entry.ID
		}
		if _, err := conn.XClaim(stream, group, settings.InboxName, 0, ids); err != nil {
			return err
		}
	}
	return conn.XGroupDelConsumer(stream, group, consumer)
}

// ClearGroupsRequest bounds a group sweep.
type ClearGroupsRequest struct {
	// OldestAllowed: a group whose only consumer is the inbox and which has
	// been inactive since before this moment is deleted.
	OldestAllowed time.Time

	// InboxName overrides the settings' inbox name.
	InboxName string

	// IgnorePending deletes groups even when they still hold pending
	// messages.
	IgnorePending bool
}

// ClearGroups sweeps every stream in the store for idle groups: groups with
// no pending work whose only remaining consumer is the inbox, idle since
// before the allowed bound. Matching inbox consumers and their groups are
// deleted. A group with no consumers at all is deleted as well, with no idle
// check. The names of deleted groups are returned.
func ClearGroups(ctx context.Context, cmp *mcmp.Component, conn *mredis.Redis, settings ebcfg.Settings, req ClearGroupsRequest) ([]string, error) {
	inboxName := req.InboxName
	if inboxName == "" {
		inboxName = settings.InboxName
	}

	keys, err := conn.Keys("*")
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, key := range keys {
		keyType, err := conn.Type(key)
		if err != nil {
			return deleted, err
		} else if keyType != "stream" {
			continue
		}

		groups, err := conn.XInfoGroups(key)
		if err != nil {
			return deleted, err
		}

		for _, group := range groups {
			if !req.IgnorePending && group.Pending > 0 {
				continue
			}
			if group.Consumers > 1 {
				continue
			}

			consumers, err := conn.XInfoConsumers(key, group.Name)
			if err != nil {
				return deleted, err
			}
			if len(consumers) > 0 {
				consumer := consumers[0]
				lastActive := time.Now().Add(-consumer.Idle)
				if consumer.Name != inboxName || lastActive.After(req.OldestAllowed) {
					continue
				}

				mlog.From(cmp).Info(
					mctx.Annotate(ctx, "stream", key, "group", group.Name, "consumer", consumer.Name),
					"deleting an idle inbox consumer")
				if err := conn.XGroupDelConsumer(key, group.Name, consumer.Name); err != nil {
					return deleted, err
				}
			}

			mlog.From(cmp).Info(
				mctx.Annotate(ctx, "stream", key, "group", group.Name),
				"deleting an idle group")
			if err := conn.XGroupDestroy(key, group.Name); err != nil {
				return deleted, err
			}
			deleted = append(deleted, group.Name)
		}
	}
	return deleted, nil
}

// CleanHandlerRecords deletes progress records belonging to the application
// whose message id timestamp is older than the bound. Returns the deleted
// keys.
func CleanHandlerRecords(ctx context.Context, cmp *mcmp.Component, conn *mredis.Redis, settings ebcfg.Settings, applicationName string, oldestAllowed time.Time) ([]string, error) {
	sep := settings.KeySeparator
	progressSuffix := sep + sep + "progress"

	keys, err := conn.Keys("*" + sep + applicationName + sep + "*")
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, key := range keys {
		if !strings.HasSuffix(key, progressSuffix) {
			continue
		}

		messageID := strings.SplitN(key, sep+sep, 2)[0]
		timestamp := strings.SplitN(messageID, "-", 2)[0]
		ms, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			continue
		}

		messageDate := time.UnixMilli(ms)
		if !messageDate.Before(oldestAllowed) {
			continue
		}

		mlog.From(cmp).Info(mctx.Annotate(ctx, "key", key), "removing a stale handler record")
		if _, err := conn.Del(key); err != nil {
			return deleted, err
		}
		deleted = append(deleted, key)
	}
	return deleted, nil
}
