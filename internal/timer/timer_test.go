package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func runFor(s *Service, d time.Duration) {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.Run(stop)
		close(done)
	}()
	time.Sleep(d)
	close(stop)
	<-done
}

func TestAddFiresOnce(t *testing.T) {
	s := New(nil)
	fired := make(chan struct{}, 1)
	s.Add(10*time.Millisecond, func() Result {
		fired <- struct{}{}
		return Cancel
	})
	runFor(s, 50*time.Millisecond)
	select {
	case <-fired:
	default:
		t.Fatal("timer never fired")
	}
}

func TestRenewRepeats(t *testing.T) {
	s := New(nil)
	count := 0
	done := make(chan struct{})
	s.Add(5*time.Millisecond, func() Result {
		count++
		if count >= 3 {
			close(done)
			return Cancel
		}
		return Renew
	})
	stop := make(chan struct{})
	go s.Run(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("repeating timer did not fire 3 times")
	}
	close(stop)
	require.GreaterOrEqual(t, count, 3)
}

func TestDeleteCancelsPendingTimer(t *testing.T) {
	s := New(nil)
	fired := false
	var h Handle
	s.Do(func() {
		h = s.Add(10*time.Millisecond, func() Result {
			fired = true
			return Cancel
		})
	})
	stop := make(chan struct{})
	go s.Run(stop)
	time.Sleep(2 * time.Millisecond)
	s.Do(func() { s.Delete(h) })
	time.Sleep(30 * time.Millisecond)
	close(stop)
	require.False(t, fired, "deleted timer must not fire")
	require.False(t, h.Valid())
}

func TestFreezeThawPreservesRemaining(t *testing.T) {
	fake := time.Now()
	now := func() time.Time { return fake }
	s := New(now)

	h := s.Add(100*time.Millisecond, func() Result { return Cancel })
	fake = fake.Add(60 * time.Millisecond)
	s.Freeze(h)
	require.Equal(t, 40*time.Millisecond, s.Pending(h))

	// advance wall clock a long time while frozen: remaining must not shrink
	fake = fake.Add(time.Hour)
	require.Equal(t, 40*time.Millisecond, s.Pending(h))

	s.Thaw(h)
	require.Equal(t, 40*time.Millisecond, s.Pending(h))
}

func TestDelayToResetsToFullInterval(t *testing.T) {
	fake := time.Now()
	now := func() time.Time { return fake }
	s := New(now)

	h := s.Add(50*time.Millisecond, func() Result { return Cancel })
	fake = fake.Add(40 * time.Millisecond)
	require.Equal(t, 10*time.Millisecond, s.Pending(h))

	s.DelayTo(h, 50*time.Millisecond)
	require.Equal(t, 50*time.Millisecond, s.Pending(h))
}

func TestPendingZeroForDeletedOrZeroHandle(t *testing.T) {
	s := New(nil)
	var zero Handle
	require.Equal(t, time.Duration(0), s.Pending(zero))

	h := s.Add(time.Minute, func() Result { return Cancel })
	s.Delete(h)
	require.Equal(t, time.Duration(0), s.Pending(h))
}
