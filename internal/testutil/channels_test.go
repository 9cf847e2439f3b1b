package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReceive(t *testing.T) {
	t.Parallel()

	ch := make(chan int, 1)
	ch <- 7
	assert.Equal(t, 7, Receive(t, ch, time.Second, "value"))
}

func TestWaitForChannelClosed(t *testing.T) {
	t.Parallel()

	ch := make(chan struct{})
	close(ch)
	WaitForChannel(t, ch, time.Second, "closed channel")
}
