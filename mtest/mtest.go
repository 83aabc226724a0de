// Package mtest contains types and functions which are useful when writing
// tests
package mtest

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"math/rand"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/christophertubbs/EventStream/mcfg"
	"github.com/christophertubbs/EventStream/mcmp"
	"github.com/christophertubbs/EventStream/mrun"
)

// Rand is a public instance of rand.Rand, seeded with the current
// nano-timestamp
var Rand = rand.New(rand.NewSource(time.Now().UnixNano()))

// RandBytes returns n random bytes
func RandBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := crand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// RandHex returns a random hex string which is n characters long, or n-1 when
// n is odd
func RandHex(n int) string {
	b := RandBytes(hex.DecodedLen(n))
	return hex.EncodeToString(b)
}

// RandElement returns a random element from the given slice.
//
// If a weighting function is given then that function is used to weight each
// element of the slice relative to the others, based on whatever metric and
// scale is desired.  The weight function must be able to be called more than
// once on each element.
func RandElement(slice interface{}, weight func(i int) uint64) interface{} {
	v := reflect.ValueOf(slice)
	l := v.Len()

	if weight == nil {
		return v.Index(Rand.Intn(l)).Interface()
	}

	var totalWeight uint64
	for i := 0; i < l; i++ {
		totalWeight += weight(i)
	}

	target := Rand.Int63n(int64(totalWeight))
	for i := 0; i < l; i++ {
		w := int64(weight(i))
		target -= w
		if target < 0 {
			return v.Index(i).Interface()
		}
	}
	panic("should never get here, perhaps the weighting function is inconsistent?")
}

// Component returns a bare root Component suitable for use in tests which
// need to instantiate real external resources (e.g. InstRedis) and then drive
// them through their Init/Shutdown lifecycle via Run.
func Component() *mcmp.Component {
	return new(mcmp.Component)
}

type envKey struct{}

// Env records a KEY=VALUE pair which Run will use, alongside the real process
// environment, to populate cmp's configuration parameters before Init is
// triggered. This lets a test override a single parameter (e.g. a redis addr
// pointing at a docker-compose service) without having to know about every
// other parameter that might be declared on cmp.
func Env(cmp *mcmp.Component, key, val string) {
	kvs, _ := cmp.Value(envKey{}).([]string)
	kvs = append(kvs, key+"="+val)
	cmp.SetValue(envKey{}, kvs)
}

// Run populates cmp's configuration (from the real process environment plus
// any KEY=VALUE pairs recorded with Env), triggers the Init event on cmp,
// calls fn, and then triggers the Shutdown event on cmp once fn returns.
// Populate, Init, or Shutdown failing fails the test immediately.
func Run(cmp *mcmp.Component, t *testing.T, fn func()) {
	t.Helper()
	ctx := context.Background()

	kvs, _ := cmp.Value(envKey{}).([]string)
	if err := mcfg.Populate(cmp, &mcfg.SourceEnv{Env: append(os.Environ(), kvs...)}); err != nil {
		t.Fatalf("populating component config: %v", err)
	}

	if err := mrun.Init(ctx, cmp); err != nil {
		t.Fatalf("initializing component: %v", err)
	}
	defer func() {
		if err := mrun.Shutdown(ctx, cmp); err != nil {
			t.Fatalf("shutting down component: %v", err)
		}
	}()

	fn()
}
