// Package codec turns chunks into erasure coded shards and back.
package codec

import (
	"bytes"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Codec is a Reed-Solomon codec with a fixed data/parity shape. It is stateless
// between calls and safe for concurrent use.
type Codec struct {
	enc          reedsolomon.Encoder
	dataShards   int
	parityShards int
}

// New creates a codec producing dataShards+parityShards shards per chunk.
func New(dataShards, parityShards int) (*Codec, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create reed-solomon encoder (%d+%d): %w", dataShards, parityShards, err)
	}
	return &Codec{
		enc:          enc,
		dataShards:   dataShards,
		parityShards: parityShards,
	}, nil
}

func (c *Codec) DataShards() int   { return c.dataShards }
func (c *Codec) ParityShards() int { return c.parityShards }
func (c *Codec) TotalShards() int  { return c.dataShards + c.parityShards }

// Encode splits chunk into data shards and computes the parity shards.
// All returned shards have the same length; the last data shard is zero padded.
func (c *Codec) Encode(chunk []byte) ([][]byte, error) {
	if len(chunk) == 0 {
		return nil, fmt.Errorf("cannot encode an empty chunk")
	}

	shards, err := c.enc.Split(chunk)
	if err != nil {
		return nil, err
	}

	if err := c.enc.Encode(shards); err != nil {
		return nil, err
	}

	return shards, nil
}

// Decode rebuilds the original chunk of length size from the shards marked present.
// shards must have TotalShards entries; entries whose presence flag is false are ignored.
func (c *Codec) Decode(shards [][]byte, present []bool, size int) ([]byte, error) {
	total := c.TotalShards()
	if len(shards) != total || len(present) != total {
		return nil, fmt.Errorf("expected %d shards and presence flags, got %d and %d", total, len(shards), len(present))
	}

	working := make([][]byte, total)
	available := 0
	for i := range shards {
		if present[i] && shards[i] != nil {
			working[i] = shards[i]
			available++
		}
	}
	if available < c.dataShards {
		return nil, fmt.Errorf("only %d shards available, need %d: %w", available, c.dataShards, reedsolomon.ErrTooFewShards)
	}

	if err := c.enc.ReconstructData(working); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(size)
	if err := c.enc.Join(&buf, working, size); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
