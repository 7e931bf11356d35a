package audio

// Chunker re-slices a continuous mono sample stream into fixed-size blocks.
// Device callbacks deliver periods of whatever size the driver picked; the
// capture pipe needs blocks of exactly one configured size.
//
// A Chunker is not safe for concurrent use.
type Chunker struct {
	rate int
	size int
	buf  []float32
}

// NewChunker returns a Chunker that emits blocks of size samples at rate.
// size must be positive.
func NewChunker(rate, size int) *Chunker {
	return &Chunker{rate: rate, size: size, buf: make([]float32, 0, size)}
}

// Push appends samples and returns every complete block now available, in
// order. Leftover samples are kept for the next call.
func (c *Chunker) Push(samples []float32) []SampleBlock {
	var out []SampleBlock
	for len(samples) > 0 {
		n := min(c.size-len(c.buf), len(samples))
		c.buf = append(c.buf, samples[:n]...)
		samples = samples[n:]
		if len(c.buf) == c.size {
			out = append(out, NewMonoBlock(c.rate, c.buf))
			c.buf = make([]float32, 0, c.size)
		}
	}
	return out
}

// Buffered returns the number of samples waiting for a full block.
func (c *Chunker) Buffered() int { return len(c.buf) }
