package websocket

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicRegistry_SubscribeIsIdempotent(t *testing.T) {
	r := NewTopicRegistry()
	r.AddConnection("c1")

	already, ok := r.Subscribe("c1", "job-1")
	require.True(t, ok)
	assert.False(t, already)

	already, ok = r.Subscribe("c1", "job-1")
	require.True(t, ok)
	assert.True(t, already)

	assert.Equal(t, 1, r.SubscriberCount("job-1"))
	assert.Equal(t, []string{"job-1"}, r.TopicsOf("c1"))
}

func TestTopicRegistry_UnknownConnectionCannotSubscribe(t *testing.T) {
	r := NewTopicRegistry()

	_, ok := r.Subscribe("ghost", "job-1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.TopicCount())
}

func TestTopicRegistry_UnsubscribeDropsEmptyTopic(t *testing.T) {
	r := NewTopicRegistry()
	r.AddConnection("c1")
	r.AddConnection("c2")
	r.Subscribe("c1", "job-1")
	r.Subscribe("c2", "job-1")

	assert.True(t, r.Unsubscribe("c1", "job-1"))
	assert.False(t, r.Unsubscribe("c1", "job-1"), "second unsubscribe reports not subscribed")
	assert.Equal(t, 1, r.TopicCount())

	assert.True(t, r.Unsubscribe("c2", "job-1"))
	assert.Equal(t, 0, r.TopicCount())
}

func TestTopicRegistry_Migrate(t *testing.T) {
	r := NewTopicRegistry()
	for _, c := range []string{"c1", "c2", "c3"} {
		r.AddConnection(c)
	}
	r.Subscribe("c1", "A")
	r.Subscribe("c2", "A")

	t.Run("moves every subscriber", func(t *testing.T) {
		moved := r.Migrate("A", "B")
		assert.Equal(t, []string{"c1", "c2"}, moved)
		assert.Equal(t, []string{"c1", "c2"}, r.Subscribers("B"))
		assert.Equal(t, 0, r.SubscriberCount("A"))
		assert.Equal(t, []string{"B"}, r.TopicsOf("c1"))
	})

	t.Run("unions with existing subscribers", func(t *testing.T) {
		r.Subscribe("c2", "C")
		r.Subscribe("c3", "C")
		moved := r.Migrate("B", "C")
		assert.Equal(t, []string{"c1", "c2"}, moved)
		assert.Equal(t, []string{"c1", "c2", "c3"}, r.Subscribers("C"))
		assert.Equal(t, []string{"C"}, r.TopicsOf("c2"))
	})

	t.Run("missing or identical topics are no-ops", func(t *testing.T) {
		assert.Empty(t, r.Migrate("nope", "C"))
		assert.Empty(t, r.Migrate("C", "C"))
		assert.Equal(t, 3, r.SubscriberCount("C"))
	})
}

func TestTopicRegistry_MigrateWhere(t *testing.T) {
	r := NewTopicRegistry()
	for _, c := range []string{"mine-1", "mine-2", "theirs"} {
		r.AddConnection(c)
		r.Subscribe(c, "A")
	}

	moved := r.MigrateWhere("A", "B", func(connID string) bool { return connID != "theirs" })
	assert.Equal(t, []string{"mine-1", "mine-2"}, moved)
	assert.Equal(t, []string{"mine-1", "mine-2"}, r.Subscribers("B"))
	assert.Equal(t, []string{"theirs"}, r.Subscribers("A"), "rejected subscribers stay where they were")
	assert.Equal(t, []string{"A"}, r.TopicsOf("theirs"))

	assert.Empty(t, r.MigrateWhere("A", "B", func(string) bool { return false }))
	assert.Equal(t, 1, r.SubscriberCount("A"))
}

func TestTopicRegistry_RemoveConnection(t *testing.T) {
	r := NewTopicRegistry()
	r.AddConnection("c1")
	r.AddConnection("c2")
	r.Subscribe("c1", "job-1")
	r.Subscribe("c1", "batch-1")
	r.Subscribe("c2", "batch-1")

	held := r.RemoveConnection("c1")
	assert.Equal(t, []string{"batch-1", "job-1"}, held)
	assert.Empty(t, r.TopicsOf("c1"))
	assert.Equal(t, []string{"c2"}, r.Subscribers("job-1", "batch-1"))
	assert.Equal(t, 1, r.TopicCount())

	assert.Nil(t, r.RemoveConnection("c1"), "removal is idempotent")

	_, ok := r.Subscribe("c1", "job-1")
	assert.False(t, ok, "removed connections cannot resubscribe")
}

func TestTopicRegistry_SubscribersUnionIsDeduplicated(t *testing.T) {
	r := NewTopicRegistry()
	r.AddConnection("c1")
	r.AddConnection("c2")
	r.Subscribe("c1", "job-1")
	r.Subscribe("c1", "batch-1")
	r.Subscribe("c2", "batch-1")

	assert.Equal(t, []string{"c1", "c2"}, r.Subscribers("job-1", "batch-1"))
}

func TestTopicRegistry_RemoveTopic(t *testing.T) {
	r := NewTopicRegistry()
	r.AddConnection("c1")
	r.Subscribe("c1", "job-1")
	r.Subscribe("c1", "job-2")

	assert.Equal(t, []string{"c1"}, r.RemoveTopic("job-1"))
	assert.Equal(t, []string{"job-2"}, r.TopicsOf("c1"))
	assert.Nil(t, r.RemoveTopic("job-1"))
}

func TestTopicRegistry_ConcurrentAccess(t *testing.T) {
	r := NewTopicRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := fmt.Sprintf("c%d", i)
			r.AddConnection(connID)
			r.Subscribe(connID, "shared")
			r.Subscribers("shared")
			if i%2 == 0 {
				r.RemoveConnection(connID)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, r.SubscriberCount("shared"))
}
