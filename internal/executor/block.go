package executor

import (
	"context"
	"strconv"
)

// Block is the chain position an execution reads at.
type Block struct {
	Number uint64
	Latest bool
}

// BlockLatest reads whatever the store considers the chain head.
var BlockLatest = Block{Latest: true}

// BlockNumber pins reads to block n.
func BlockNumber(n uint64) Block { return Block{Number: n} }

func (b Block) String() string {
	if b.Latest {
		return "latest"
	}
	return strconv.FormatUint(b.Number, 10)
}

type blockKey struct{}

// WithBlock returns a context carrying b.
func WithBlock(ctx context.Context, b Block) context.Context {
	return context.WithValue(ctx, blockKey{}, b)
}

// BlockFromContext returns the block carried by ctx, or BlockLatest.
func BlockFromContext(ctx context.Context) Block {
	if b, ok := ctx.Value(blockKey{}).(Block); ok {
		return b
	}
	return BlockLatest
}
