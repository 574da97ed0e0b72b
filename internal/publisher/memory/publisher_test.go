package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsEvents(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "run-completions", map[string]string{"run_id": "run-1"})
	require.NoError(t, err)
	require.Equal(t, "mem-1", id1)

	id2, err := pub.Publish(context.Background(), "run-completions", "payload")
	require.NoError(t, err)
	require.Equal(t, "mem-2", id2)

	events := pub.Events()
	require.Len(t, events, 2)
	require.Equal(t, "run-completions", events[0].Topic)

	// Events hands out a copy, not the backing slice.
	events[0].Topic = "modified"
	require.Equal(t, "run-completions", pub.Events()[0].Topic)
}
