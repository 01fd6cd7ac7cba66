package resilience

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadLetterQueue_PushAndDrain(t *testing.T) {
	q := NewDeadLetterQueue(10)

	payload := json.RawMessage(`{"type":"flag_evaluation"}`)
	entry := q.Push(payload, NewTransientError(eris.New("backend down")), 3)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, "transient", entry.ErrorType)
	assert.Equal(t, 3, entry.RetryCount)
	assert.Equal(t, 1, q.Len())

	q.Push(json.RawMessage(`{"type":"config_fetch"}`), eris.New("bad key"), 0)

	drained := q.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, payload, drained[0].Payload)
	assert.Equal(t, "permanent", drained[1].ErrorType)
	assert.Equal(t, 0, q.Len())
}

func TestDeadLetterQueue_DropsOldestWhenFull(t *testing.T) {
	q := NewDeadLetterQueue(3)

	for i := 0; i < 5; i++ {
		q.Push(json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), eris.New("fail"), 0)
	}

	drained := q.Drain()
	require.Len(t, drained, 3)
	assert.Equal(t, json.RawMessage(`{"n":2}`), drained[0].Payload)
	assert.Equal(t, json.RawMessage(`{"n":4}`), drained[2].Payload)
}
