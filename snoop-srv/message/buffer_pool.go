package message

import (
	"sync"
)

// DefaultChunkSize is the size of pooled buffers and therefore the largest
// chunk the writer emits when streaming a body.
const DefaultChunkSize = 16 * 1024

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultChunkSize)
		return &buf
	},
}

func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

func putBuffer(buf *[]byte) {
	if buf != nil {
		bufferPool.Put(buf)
	}
}
