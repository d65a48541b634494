package logging

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer makes bytes.Buffer safe for the writer goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAsyncWriterDelivers(t *testing.T) {
	out := &syncBuffer{}
	w := newAsyncWriter(out)

	n, err := w.Write([]byte("hello\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	w.Close()
	assert.Equal(t, "hello\n", out.String())
	assert.Equal(t, uint64(0), w.dropped.Load())
}

func TestAsyncWriterDropsWhenFull(t *testing.T) {
	// A writer whose sink never drains: fill the channel, then overflow.
	blocked := make(chan struct{})
	w := &asyncWriter{
		ch:   make(chan []byte, 2),
		out:  blockingWriter{blocked},
		done: make(chan struct{}),
	}
	go w.run()

	// First write blocks the consumer; two more fill the channel.
	for i := 0; i < 3; i++ {
		_, _ = w.Write([]byte("x"))
	}
	// Give the consumer a moment to pull the first line.
	time.Sleep(20 * time.Millisecond)
	_, _ = w.Write([]byte("x"))
	_, _ = w.Write([]byte("overflow"))

	assert.GreaterOrEqual(t, w.dropped.Load(), uint64(1))
	close(blocked)
	w.Close()
}

type blockingWriter struct{ release chan struct{} }

func (b blockingWriter) Write(p []byte) (int, error) {
	<-b.release
	return len(p), nil
}
