package mredis

import (
	"strconv"
	"time"

	"github.com/christophertubbs/EventStream/merr"

	"github.com/mediocregopher/radix/v3"
)

// The key-value side of the command surface, used for progress records and
// lock keys.

// SetNX sets the key only if it does not exist, returning whether it was set.
func (r *Redis) SetNX(key, value string, lifetime time.Duration) (bool, error) {
	args := []string{key, value, "NX"}
	if lifetime > 0 {
		args = append(args, "PX", strconv.FormatInt(lifetime.Milliseconds(), 10))
	}
	var res string
	mn := radix.MaybeNil{Rcv: &res}
	if err := r.Do(radix.Cmd(&mn, "SET", args...)); err != nil {
		return false, merr.Wrap(r.cmp.Context(), err)
	}
	return !mn.Nil, nil
}

// Get returns the key's value, or ok=false when the key does not exist.
func (r *Redis) Get(key string) (string, bool, error) {
	var res string
	mn := radix.MaybeNil{Rcv: &res}
	if err := r.Do(radix.Cmd(&mn, "GET", key)); err != nil {
		return "", false, merr.Wrap(r.cmp.Context(), err)
	}
	return res, !mn.Nil, nil
}

// Expire sets the key's time to live.
func (r *Redis) Expire(key string, lifetime time.Duration) error {
	return merr.Wrap(r.cmp.Context(), r.Do(radix.Cmd(nil, "EXPIRE", key, strconv.FormatInt(int64(lifetime.Seconds()), 10))))
}

// Del removes the given keys, returning how many existed.
func (r *Redis) Del(keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var n int64
	if err := r.Do(radix.Cmd(&n, "DEL", keys...)); err != nil {
		return 0, merr.Wrap(r.cmp.Context(), err)
	}
	return n, nil
}

// Exists reports whether the key is present.
func (r *Redis) Exists(key string) (bool, error) {
	var n int64
	if err := r.Do(radix.Cmd(&n, "EXISTS", key)); err != nil {
		return false, merr.Wrap(r.cmp.Context(), err)
	}
	return n > 0, nil
}

// Type returns the store-side type of the key ("stream", "hash", "string",
// "none", ...).
func (r *Redis) Type(key string) (string, error) {
	var t string
	if err := r.Do(radix.Cmd(&t, "TYPE", key)); err != nil {
		return "", merr.Wrap(r.cmp.Context(), err)
	}
	return t, nil
}

// Keys lists every key matching the glob pattern. This walks the whole
// keyspace; it is only used by the operational tools, never on the hot path.
func (r *Redis) Keys(pattern string) ([]string, error) {
	var keys []string
	if err := r.Do(radix.Cmd(&keys, "KEYS", pattern)); err != nil {
		return nil, merr.Wrap(r.cmp.Context(), err)
	}
	return keys, nil
}

// HSet sets a single hash field.
func (r *Redis) HSet(key, field, value string) error {
	return merr.Wrap(r.cmp.Context(), r.Do(radix.Cmd(nil, "HSET", key, field, value)))
}

// HSetNX sets the hash field only if it is absent, returning whether it was
// set.
func (r *Redis) HSetNX(key, field, value string) (bool, error) {
	var n int64
	if err := r.Do(radix.Cmd(&n, "HSETNX", key, field, value)); err != nil {
		return false, merr.Wrap(r.cmp.Context(), err)
	}
	return n == 1, nil
}

// HGet returns a single hash field, or ok=false when it is absent.
func (r *Redis) HGet(key, field string) (string, bool, error) {
	var res string
	mn := radix.MaybeNil{Rcv: &res}
	if err := r.Do(radix.Cmd(&mn, "HGET", key, field)); err != nil {
		return "", false, merr.Wrap(r.cmp.Context(), err)
	}
	return res, !mn.Nil, nil
}

// HGetAll returns the whole hash. An absent key yields an empty map.
func (r *Redis) HGetAll(key string) (map[string]string, error) {
	var res map[string]string
	if err := r.Do(radix.Cmd(&res, "HGETALL", key)); err != nil {
		return nil, merr.Wrap(r.cmp.Context(), err)
	}
	return res, nil
}

// HIncrBy increments the hash field by the given amount, returning the new
// value.
func (r *Redis) HIncrBy(key, field string, by int64) (int64, error) {
	var n int64
	if err := r.Do(radix.Cmd(&n, "HINCRBY", key, field, strconv.FormatInt(by, 10))); err != nil {
		return 0, merr.Wrap(r.cmp.Context(), err)
	}
	return n, nil
}

// Pipeline runs the given commands in a single round trip. Used for the
// progress-claim step, whose per-handler HSETNX commands and EXPIRE must not
// pay a round trip per handler.
func (r *Redis) Pipeline(cmds ...radix.CmdAction) error {
	if len(cmds) == 0 {
		return nil
	}
	return merr.Wrap(r.cmp.Context(), r.Do(radix.Pipeline(cmds...)))
}
