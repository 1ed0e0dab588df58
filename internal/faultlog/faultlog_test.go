package faultlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dataprovider/slaved/internal/history"
)

func TestSinkPersistsOnlyFaultEvents(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, history.Event{
		Type: history.EventActivate, SlaveName: "s1", OccurredAt: time.Now(),
	}))
	require.NoError(t, sink.Send(ctx, history.Event{
		Type: history.EventFault, SlaveName: "s1", OccurredAt: time.Now(),
		Package: "liblive-foo", File: "f.c", Function: "do_work", Method: "callstack",
	}))

	recs, err := sink.Recent(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "liblive-foo", recs[0].Package)
	require.Equal(t, "callstack", recs[0].Method)
}
