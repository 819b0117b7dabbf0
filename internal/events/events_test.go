package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "xpool.dumped", Subject("xpool", PoolDumped))
	assert.Equal(t, "xpool.failed", Subject("xpool", PoolFailed))
}

func TestPoolEventJSON(t *testing.T) {
	event := PoolEvent{
		Pool:      "experience",
		Kind:      PoolRecovered,
		Size:      12,
		Sequences: 3,
		Result:    "restored",
		Timestamp: time.Unix(100, 0).UTC(),
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "recovered", fields["kind"])
	assert.Equal(t, "restored", fields["result"])
	assert.NotContains(t, fields, "error")
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = NoopPublisher{}
	assert.NoError(t, p.PublishPoolEvent(context.Background(), PoolEvent{Kind: PoolReset}))
}
