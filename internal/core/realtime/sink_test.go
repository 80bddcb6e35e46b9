package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferedSink(t *testing.T) {
	s := NewBufferedSink(2)

	assert.True(t, s.Offer(testEvent("a", 1)))
	assert.True(t, s.Offer(testEvent("a", 2)))
	assert.False(t, s.Offer(testEvent("a", 3)), "full buffer refuses instead of blocking")

	ev := <-s.Events()
	assert.Equal(t, int64(1), ev.Revision)

	s.Close()
	s.Close()
	assert.False(t, s.Offer(testEvent("a", 4)))
	<-s.Done()
}
