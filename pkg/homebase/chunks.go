package homebase

import "fmt"

// maxChunksPerMessage bounds the slot array a single chunked message
// may claim. Counts outside [1, maxChunksPerMessage] are protocol
// errors and the buffer is never created.
const maxChunksPerMessage = 2000

// chunkBuffer accumulates the pieces of one chunked message. Slots are
// sized once from the first chunk seen; duplicate indices are
// idempotent.
type chunkBuffer struct {
	slots  []string
	seen   []bool
	filled int
}

// chunkAssembler owns the chunk buffers of one link. Buffers live
// until their message completes or the link tears down.
type chunkAssembler struct {
	buffers map[string]*chunkBuffer
}

func newChunkAssembler() *chunkAssembler {
	return &chunkAssembler{buffers: make(map[string]*chunkBuffer)}
}

// add records one chunk. When the chunk completes its message the
// concatenated payload is returned with done=true and the buffer is
// released. Invalid metadata returns an error; the offending message
// never allocates a buffer.
func (a *chunkAssembler) add(messageID string, index, total int, data string) (payload string, done bool, err error) {
	buf, ok := a.buffers[messageID]
	if !ok {
		if total < 1 || total > maxChunksPerMessage {
			return "", false, fmt.Errorf("chunked message %q: totalChunks %d outside [1, %d]", messageID, total, maxChunksPerMessage)
		}
		buf = &chunkBuffer{
			slots: make([]string, total),
			seen:  make([]bool, total),
		}
		a.buffers[messageID] = buf
	}

	if index < 0 || index >= len(buf.slots) {
		return "", false, fmt.Errorf("chunked message %q: chunkIndex %d outside [0, %d)", messageID, index, len(buf.slots))
	}
	if buf.seen[index] {
		return "", false, nil
	}
	buf.slots[index] = data
	buf.seen[index] = true
	buf.filled++

	if buf.filled < len(buf.slots) {
		return "", false, nil
	}

	delete(a.buffers, messageID)
	var out string
	for _, s := range buf.slots {
		out += s
	}
	return out, true, nil
}

// drop discards every buffer. Called on link teardown.
func (a *chunkAssembler) drop() {
	a.buffers = make(map[string]*chunkBuffer)
}

func (a *chunkAssembler) open() int { return len(a.buffers) }
