package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorLog_AppendAndEntries(t *testing.T) {
	t.Parallel()

	l := NewErrorLog()
	assert.False(t, l.HasErrors())
	assert.Empty(t, l.Entries())

	at := time.Now()
	l.Append(Command{ID: "c1", Operation: "booking.cancel"}, "HTTP 409", at)

	assert.True(t, l.HasErrors())
	entries := l.Entries()
	assert.Len(t, entries, 1)
	assert.Equal(t, "c1", entries[0].Command.ID)
	assert.Equal(t, "HTTP 409", entries[0].Error)
	assert.Equal(t, at.UnixMilli(), entries[0].AtMillis)
}

func TestErrorLog_BoundedCapacity(t *testing.T) {
	t.Parallel()

	l := NewErrorLog()
	for i := range defaultErrorLogCapacity + 10 {
		l.Append(Command{ID: fmt.Sprintf("c%03d", i)}, "err", time.Now())
	}

	entries := l.Entries()
	assert.Len(t, entries, defaultErrorLogCapacity)
	// The oldest entries were evicted
	assert.Equal(t, "c010", entries[0].Command.ID)
}

func TestErrorLog_EntriesIsACopy(t *testing.T) {
	t.Parallel()

	l := NewErrorLog()
	l.Append(Command{ID: "c1"}, "err", time.Now())

	entries := l.Entries()
	entries[0].Error = "mutated"

	assert.Equal(t, "err", l.Entries()[0].Error)
}
