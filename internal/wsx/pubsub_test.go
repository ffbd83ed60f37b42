package wsx

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// batchRecorder collects delivered batches per sub_key.
type batchRecorder struct {
	mu      sync.Mutex
	batches map[string][][]*PubSubMessage
}

func newBatchRecorder() *batchRecorder {
	return &batchRecorder{batches: make(map[string][][]*PubSubMessage)}
}

func (r *batchRecorder) deliver(subKey string, msgs []*PubSubMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[subKey] = append(r.batches[subKey], msgs)
}

func (r *batchRecorder) count(subKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches[subKey])
}

func (r *batchRecorder) ids(subKey string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, batch := range r.batches[subKey] {
		for _, msg := range batch {
			ids = append(ids, msg.PubMsgID)
		}
	}
	return ids
}

func TestPubSubOrderingPerSubKey(t *testing.T) {
	recorder := newBatchRecorder()
	tool := newPubSubTool(recorder.deliver)
	defer tool.removeAll()

	tool.addSubKey("sk-1")

	const batches = 50
	want := make([]string, 0, batches)
	for i := 0; i < batches; i++ {
		id := fmt.Sprintf("zpsm%04d", i)
		want = append(want, id)
		tool.addBatch("sk-1", []*PubSubMessage{{PubMsgID: id, SubKey: "sk-1"}})
	}

	require.Eventually(t, func() bool {
		return recorder.count("sk-1") == batches
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, want, recorder.ids("sk-1"), "batches for one sub_key must arrive in order")
}

func TestPubSubAutoRegistersSubKey(t *testing.T) {
	recorder := newBatchRecorder()
	tool := newPubSubTool(recorder.deliver)
	defer tool.removeAll()

	tool.addBatch("sk-new", []*PubSubMessage{{PubMsgID: "zpsm1"}})

	require.Eventually(t, func() bool {
		return recorder.count("sk-new") == 1
	}, time.Second, 5*time.Millisecond)

	assert.Contains(t, tool.subKeys(), "sk-new")
}

func TestPubSubRemoveSubKey(t *testing.T) {
	tool := newPubSubTool(func(string, []*PubSubMessage) {})
	defer tool.removeAll()

	tool.addSubKey("sk-1")
	tool.addSubKey("sk-2")
	assert.ElementsMatch(t, []string{"sk-1", "sk-2"}, tool.subKeys())

	tool.removeSubKey("sk-1")
	assert.Equal(t, []string{"sk-2"}, tool.subKeys())

	// Removing twice is fine
	tool.removeSubKey("sk-1")
}

func TestPubSubRemoveAllStopsQueues(t *testing.T) {
	recorder := newBatchRecorder()
	tool := newPubSubTool(recorder.deliver)

	tool.addSubKey("sk-1")
	tool.addSubKey("sk-2")

	// Must return, waiting out all drain goroutines
	tool.removeAll()
	assert.Empty(t, tool.subKeys())
}

func TestPubSubMessageExternalForm(t *testing.T) {
	structured := &PubSubMessage{PubMsgID: "zpsm1", Data: map[string]any{"x": 1}}
	assert.Equal(t, structured.Data, structured.externalForm())

	serialized := &PubSubMessage{PubMsgID: "zpsm2", Data: "ignored", Serialized: []byte(`{"y":2}`)}
	assert.Equal(t, json.RawMessage(`{"y":2}`), serialized.externalForm())
}

func TestInteractionRecorder(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	recorder := newInteractionRecorder(90 * time.Second)

	assert.True(t, recorder.note(base), "first interaction always flushes")
	assert.False(t, recorder.note(base.Add(time.Second)))
	assert.False(t, recorder.note(base.Add(89*time.Second)))
	assert.True(t, recorder.note(base.Add(90*time.Second)))
	assert.False(t, recorder.note(base.Add(91*time.Second)))
}
