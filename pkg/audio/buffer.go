package audio

// DefaultMaxBufferBytes is ten seconds of 16 kHz mono PCM.
const DefaultMaxBufferBytes = DefaultSampleRate * BytesPerSample * 10

// ChunkBuffer is a byte-capped FIFO of PCM chunks. When a push takes the
// total above the cap, chunks are evicted from the head until the total is
// back under the cap or a single chunk remains. Pushing never blocks and never
// rejects; the oldest audio is discarded first.
//
// ChunkBuffer is not safe for concurrent use; the capture engine serialises
// access under its own lock.
type ChunkBuffer struct {
	maxBytes int
	chunks   [][]byte
	size     int
}

// NewChunkBuffer returns an empty buffer capped at maxBytes. A non-positive
// cap selects [DefaultMaxBufferBytes].
func NewChunkBuffer(maxBytes int) *ChunkBuffer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBufferBytes
	}
	return &ChunkBuffer{maxBytes: maxBytes}
}

// Push appends chunk and trims from the head. The buffer keeps a reference
// to chunk; callers must not reuse its backing array.
func (b *ChunkBuffer) Push(chunk []byte) {
	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)
	b.trim()
}

// PushAll appends every chunk in order, trimming once at the end.
func (b *ChunkBuffer) PushAll(chunks [][]byte) {
	for _, c := range chunks {
		b.chunks = append(b.chunks, c)
		b.size += len(c)
	}
	b.trim()
}

func (b *ChunkBuffer) trim() {
	drop := 0
	for b.size > b.maxBytes && len(b.chunks)-drop > 1 {
		b.size -= len(b.chunks[drop])
		b.chunks[drop] = nil
		drop++
	}
	if drop > 0 {
		b.chunks = b.chunks[drop:]
	}
}

// Tail returns up to the last k chunks, oldest first. The returned slice is
// a fresh copy of the chunk list; the chunk byte slices are shared.
func (b *ChunkBuffer) Tail(k int) [][]byte {
	if k <= 0 {
		return nil
	}
	start := max(len(b.chunks)-k, 0)
	out := make([][]byte, len(b.chunks)-start)
	copy(out, b.chunks[start:])
	return out
}

// Bytes returns the concatenated contents of the buffer as a new slice.
func (b *ChunkBuffer) Bytes() []byte {
	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}

// Drain returns the concatenated contents and empties the buffer.
func (b *ChunkBuffer) Drain() []byte {
	out := b.Bytes()
	b.Reset()
	return out
}

// Reset empties the buffer.
func (b *ChunkBuffer) Reset() {
	b.chunks = nil
	b.size = 0
}

// Len returns the number of buffered chunks.
func (b *ChunkBuffer) Len() int { return len(b.chunks) }

// Size returns the total number of buffered bytes.
func (b *ChunkBuffer) Size() int { return b.size }

// MaxBytes returns the configured byte cap.
func (b *ChunkBuffer) MaxBytes() int { return b.maxBytes }
