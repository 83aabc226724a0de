package m

import (
	"context"
	"encoding/json"
	. "testing"

	"github.com/christophertubbs/EventStream/mcfg"
	"github.com/christophertubbs/EventStream/mlog"
	"github.com/christophertubbs/EventStream/mrun"
	"github.com/christophertubbs/EventStream/mtest/massert"
)

type recordingHandler struct {
	msgs []mlog.FullMessage
}

func (h *recordingHandler) Handle(msg mlog.FullMessage) error {
	h.msgs = append(h.msgs, msg)
	return nil
}

func (h *recordingHandler) Sync() error { return nil }

func TestRootComponentLogLevel(t *T) {
	cmp := RootComponent()
	// the test binary's own flags must not reach the component's CLI source
	cmp.SetValue(cmpKeyCfgSrc, mcfg.Source(&mcfg.SourceCLI{Args: []string{}}))

	rh := &recordingHandler{}
	mlog.SetLogger(cmp, mlog.NewLogger(&mlog.LoggerOpts{MessageHandler: rh}))

	child := cmp.Child("child")

	err := mcfg.Populate(cmp, mcfg.ParamValues{
		{Name: "log-level", Value: json.RawMessage(`"DEBUG"`)},
	})
	massert.Fatal(t, massert.Nil(err))
	massert.Fatal(t, massert.Nil(mrun.Init(context.Background(), cmp)))

	mlog.From(child).Info(child.Context(), "foo")
	mlog.From(child).Debug(child.Context(), "bar")

	massert.Fatal(t, massert.Equal(2, len(rh.msgs)))
	massert.Fatal(t, massert.Equal("INFO", rh.msgs[0].Level.String()))
	massert.Fatal(t, massert.Equal("foo", rh.msgs[0].Description))
	massert.Fatal(t, massert.Equal("DEBUG", rh.msgs[1].Level.String()))
	massert.Fatal(t, massert.Equal("bar", rh.msgs[1].Description))
}

func TestRootComponentLogLevelFiltersDebug(t *T) {
	cmp := RootComponent()
	cmp.SetValue(cmpKeyCfgSrc, mcfg.Source(&mcfg.SourceCLI{Args: []string{}}))

	rh := &recordingHandler{}
	mlog.SetLogger(cmp, mlog.NewLogger(&mlog.LoggerOpts{MessageHandler: rh}))

	err := mcfg.Populate(cmp, mcfg.ParamValues{
		{Name: "log-level", Value: json.RawMessage(`"INFO"`)},
	})
	massert.Fatal(t, massert.Nil(err))
	massert.Fatal(t, massert.Nil(mrun.Init(context.Background(), cmp)))

	mlog.From(cmp).Debug(cmp.Context(), "should be filtered")
	massert.Fatal(t, massert.Equal(0, len(rh.msgs)))
}
