package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBufferEvictsOldest(t *testing.T) {
	b := NewLogBuffer(3)
	assert.Empty(t, b.Lines())

	b.Push("one")
	b.Push("two")
	assert.Equal(t, []string{"two", "one"}, b.Lines())

	b.Push("three")
	b.Push("four")
	assert.Equal(t, []string{"four", "three", "two"}, b.Lines())
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, 3, b.Cap())
}

func TestLogBufferSubscribe(t *testing.T) {
	b := NewLogBuffer(10)
	ch, cancel := b.Subscribe(2)

	b.Push("a")
	b.Push("b")
	b.Push("c") // подписчик переполнен, строка теряется только для него

	assert.Equal(t, "a", <-ch)
	assert.Equal(t, "b", <-ch)
	assert.Equal(t, 3, b.Len())

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	b.Push("d") // после отписки писатель не падает
	require.Equal(t, "d", b.Lines()[0])
}

func TestLogBufferWrapManyTimes(t *testing.T) {
	b := NewLogBuffer(5)
	for i := 0; i < 23; i++ {
		b.Push(fmt.Sprint(i))
	}
	assert.Equal(t, []string{"22", "21", "20", "19", "18"}, b.Lines())
}
