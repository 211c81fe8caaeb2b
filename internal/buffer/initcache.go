package buffer

import "github.com/zsiec/playcore/internal/media"

// InitCache keeps the latest initialization segment per (stream, representation).
// One cache is shared by all buffers of a session and, like them, is only
// used from the event loop.
type InitCache struct {
	chunks map[string]map[string]*media.Chunk
}

// NewInitCache creates an empty cache.
func NewInitCache() *InitCache {
	return &InitCache{chunks: make(map[string]map[string]*media.Chunk)}
}

// Save stores an init chunk, replacing any previous one for the same identity.
func (c *InitCache) Save(chunk *media.Chunk) {
	if chunk == nil {
		return
	}
	reps, ok := c.chunks[chunk.StreamID]
	if !ok {
		reps = make(map[string]*media.Chunk)
		c.chunks[chunk.StreamID] = reps
	}
	reps[chunk.RepresentationID] = chunk
}

// Extract returns the cached init chunk, or nil.
func (c *InitCache) Extract(streamID, representationID string) *media.Chunk {
	return c.chunks[streamID][representationID]
}

// Len reports the number of cached chunks.
func (c *InitCache) Len() int {
	n := 0
	for _, reps := range c.chunks {
		n += len(reps)
	}
	return n
}

// Reset drops every cached chunk.
func (c *InitCache) Reset() {
	c.chunks = make(map[string]map[string]*media.Chunk)
}
