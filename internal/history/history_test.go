package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []Event
	err    error
}

func (r *recordingSink) Send(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestMultiSinkFansOutToAll(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	m := MultiSink{a, b}

	evt := Event{Type: EventFault, OccurredAt: time.Now(), SlaveName: "s1", Package: "foo"}
	require.NoError(t, m.Send(context.Background(), evt))

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	require.Equal(t, evt, a.events[0])
}

func TestMultiSinkReturnsFirstErrorButSendsToAll(t *testing.T) {
	boom := errors.New("boom")
	a := &recordingSink{err: boom}
	b := &recordingSink{}
	m := MultiSink{a, b}

	err := m.Send(context.Background(), Event{Type: EventActivate, SlaveName: "s1"})
	require.ErrorIs(t, err, boom)
	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
}
