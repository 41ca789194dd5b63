package application

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
)

func newCountingTracker(src *manualSource, clock *fakeClock) (*ActivityTrackerImpl, *int32) {
	var fired int32
	tr := NewActivityTracker(src, func() { atomic.AddInt32(&fired, 1) },
		WithMinInterval(15*time.Second),
		WithActivityClock(clock.Now),
	)
	return tr, &fired
}

func TestActivityTrackerLeadingEdgeThrottle(t *testing.T) {
	src := &manualSource{}
	clock := newClock()
	tr, fired := newCountingTracker(src, clock)

	tr.Start()
	require.True(t, tr.Running())

	src.emit(entity.InteractionKey)
	assert.EqualValues(t, 1, atomic.LoadInt32(fired), "first event fires immediately")

	clock.Advance(5 * time.Second)
	src.emit(entity.InteractionPointer)
	src.emit(entity.InteractionScroll)
	assert.EqualValues(t, 1, atomic.LoadInt32(fired), "events inside the window are dropped")

	clock.Advance(10 * time.Second)
	src.emit(entity.InteractionTouch)
	assert.EqualValues(t, 2, atomic.LoadInt32(fired), "window boundary fires")
}

func TestActivityTrackerStartIsIdempotent(t *testing.T) {
	src := &manualSource{}
	tr, fired := newCountingTracker(src, newClock())

	tr.Start()
	tr.Start()
	assert.Equal(t, 1, src.attached)

	tr.Stop()
	assert.False(t, tr.Running())
	src.emit(entity.InteractionKey)
	assert.EqualValues(t, 0, atomic.LoadInt32(fired))

	tr.Stop()
}

func TestActivityTrackerForceResetsWindow(t *testing.T) {
	src := &manualSource{}
	clock := newClock()
	tr, fired := newCountingTracker(src, clock)
	tr.Start()

	src.emit(entity.InteractionKey)
	clock.Advance(5 * time.Second)
	tr.ForceActivityUpdate()
	assert.EqualValues(t, 2, atomic.LoadInt32(fired), "force ignores the throttle")

	clock.Advance(10 * time.Second)
	src.emit(entity.InteractionKey)
	assert.EqualValues(t, 2, atomic.LoadInt32(fired), "window restarts at the forced update")

	clock.Advance(5 * time.Second)
	src.emit(entity.InteractionKey)
	assert.EqualValues(t, 3, atomic.LoadInt32(fired))
}

func TestActivityTrackerWithoutSource(t *testing.T) {
	var fired int32
	tr := NewActivityTracker(nil, func() { atomic.AddInt32(&fired, 1) })
	tr.Start()
	assert.False(t, tr.Running())

	tr.ForceActivityUpdate()
	assert.EqualValues(t, 1, fired)

	failing := NewActivityTracker(&manualSource{err: errors.New("no terminal")}, nil)
	failing.Start()
	assert.False(t, failing.Running())
	failing.ForceActivityUpdate()
}
