// Package erasure wraps Reed–Solomon coding over GF(2^8) for the shard
// pipeline: the leader encodes each written value into k data shards plus m
// parity shards, one per roster position, and any k of those reconstruct the
// value at read time.
package erasure

import (
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// ErrInsufficientShards is returned by Reconstruct when fewer than k shard
// positions are present.
var ErrInsufficientShards = errors.New("erasure: insufficient shards to reconstruct")

// Coder is a stateless Reed–Solomon(k,m) codec. Safe for concurrent use.
type Coder struct {
	dataShards   int
	parityShards int
	enc          reedsolomon.Encoder
}

// New creates a Coder with k data shards and m parity shards.
func New(dataShards, parityShards int) (*Coder, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("erasure: new coder (k=%d, m=%d): %w", dataShards, parityShards, err)
	}
	return &Coder{
		dataShards:   dataShards,
		parityShards: parityShards,
		enc:          enc,
	}, nil
}

// DataShards returns k.
func (c *Coder) DataShards() int { return c.dataShards }

// ParityShards returns m.
func (c *Coder) ParityShards() int { return c.parityShards }

// TotalShards returns n = k + m.
func (c *Coder) TotalShards() int { return c.dataShards + c.parityShards }

// Encode pads payload with zero bytes to the next multiple of k, slices it
// into k equal data shards of ceil(len/k) bytes, and computes m parity
// shards. All n shards have identical length. The zero padding is part of
// the encoded payload and reappears on reconstruction.
func (c *Coder) Encode(payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("erasure: encode empty payload")
	}

	shardSize := (len(payload) + c.dataShards - 1) / c.dataShards
	padded := make([]byte, shardSize*c.dataShards)
	copy(padded, payload)

	shards := make([][]byte, c.TotalShards())
	for i := 0; i < c.dataShards; i++ {
		shards[i] = padded[i*shardSize : (i+1)*shardSize]
	}
	for i := c.dataShards; i < c.TotalShards(); i++ {
		shards[i] = make([]byte, shardSize)
	}

	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("erasure: encode: %w", err)
	}
	return shards, nil
}

// Reconstruct fills in the missing (nil) positions of shards in place,
// provided at least k positions are present. The slice must have length n.
// The first k positions concatenated yield the padded original payload;
// trailing zero padding is not stripped here.
func (c *Coder) Reconstruct(shards [][]byte) error {
	if len(shards) != c.TotalShards() {
		return fmt.Errorf("erasure: reconstruct wants %d shard slots, got %d", c.TotalShards(), len(shards))
	}
	if err := c.enc.Reconstruct(shards); err != nil {
		if errors.Is(err, reedsolomon.ErrTooFewShards) {
			return ErrInsufficientShards
		}
		return fmt.Errorf("erasure: reconstruct: %w", err)
	}
	return nil
}

// Join concatenates the first k shards back into the padded payload.
func (c *Coder) Join(shards [][]byte) []byte {
	var out []byte
	for i := 0; i < c.dataShards && i < len(shards); i++ {
		out = append(out, shards[i]...)
	}
	return out
}
