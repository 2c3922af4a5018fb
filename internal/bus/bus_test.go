package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"luminara.dev/orchestrator/internal/role"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New(4)
	s1 := b.Subscribe(role.SceneArchitect)
	s2 := b.Subscribe(role.QAEngineer)
	defer s1.Unsubscribe()
	defer s2.Unsubscribe()

	b.Publish(Message{From: role.ProjectDirector, Topic: "task.assigned", Payload: "t1"})

	m1 := <-s1.C()
	m2 := <-s2.C()
	require.Equal(t, Message{From: role.ProjectDirector, Topic: "task.assigned", Payload: "t1"}, m1)
	require.Equal(t, Message{From: role.ProjectDirector, Topic: "task.assigned", Payload: "t1"}, m2)
}

func TestOverflowDropsOldestAndNotifies(t *testing.T) {
	b := New(2)
	sub := b.Subscribe(role.QAEngineer)
	defer sub.Unsubscribe()

	for i := 0; i < 5; i++ {
		b.Publish(Message{Topic: "spam"})
	}

	var sawDrop bool
	var received int
	for i := 0; i < 3; i++ {
		select {
		case v := <-sub.C():
			received++
			if _, ok := v.(MessagesDropped); ok {
				sawDrop = true
			}
		default:
		}
	}
	assert.Greater(t, received, 0)
	assert.True(t, sawDrop, "overflow must enqueue a MessagesDropped notification")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(4)
	sub := b.Subscribe(role.SceneArchitect)
	sub.Unsubscribe()
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub.C()
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestEndCycleAdvancesCounter(t *testing.T) {
	b := New(4)
	assert.Equal(t, int64(0), b.Cycle())
	assert.Equal(t, int64(1), b.EndCycle())
	assert.Equal(t, int64(2), b.EndCycle())
}
