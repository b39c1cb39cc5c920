// Package export serializes completed analysis results: sharded JSON
// encoding of large record sets, JSON/HTML report files, binary report
// files, and pprof profiles of hot call stacks.
package export

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"runtime"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ShardConfig tunes how a record set is split for encoding.
type ShardConfig struct {
	// ShardSize is the number of records per shard.
	ShardSize int `json:"shard_size"`
	// ParallelThreshold is the shard count at which encoding switches
	// from sequential to the worker pool.
	ParallelThreshold int `json:"parallel_threshold"`
	// MaxWorkers bounds the pool. Zero means GOMAXPROCS.
	MaxWorkers int `json:"max_workers"`
}

// DefaultShardConfig returns the tuning used by the CLI.
func DefaultShardConfig() ShardConfig {
	return ShardConfig{
		ShardSize:         5000,
		ParallelThreshold: 4,
		MaxWorkers:        runtime.GOMAXPROCS(0),
	}
}

// ShardedEncoder encodes a completed record set as one JSON array.
// Shards encode independently, each into its own buffer, and a single
// stitch pass writes them out in index order, so the output is byte
// identical to encoding the whole slice at once.
type ShardedEncoder[T any] struct {
	cfg ShardConfig
}

// NewShardedEncoder returns an encoder for records of type T. Zero or
// negative config fields fall back to defaults.
func NewShardedEncoder[T any](cfg ShardConfig) *ShardedEncoder[T] {
	def := DefaultShardConfig()
	if cfg.ShardSize <= 0 {
		cfg.ShardSize = def.ShardSize
	}
	if cfg.ParallelThreshold <= 0 {
		cfg.ParallelThreshold = def.ParallelThreshold
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	return &ShardedEncoder[T]{cfg: cfg}
}

// Encode writes records to w as a JSON array. Below the parallel
// threshold shards encode sequentially on the calling goroutine;
// otherwise they encode across a bounded pool. Cancellation is honored
// between shards; a cancelled call returns ctx.Err() and may have
// written a truncated prefix.
func (e *ShardedEncoder[T]) Encode(ctx context.Context, records []T, w io.Writer) error {
	bw := bufio.NewWriter(w)

	if len(records) == 0 {
		if _, err := bw.WriteString("[]"); err != nil {
			return err
		}
		return bw.Flush()
	}

	nShards := (len(records) + e.cfg.ShardSize - 1) / e.cfg.ShardSize
	shards := make([][]byte, nShards)

	encodeShard := func(i int) error {
		lo := i * e.cfg.ShardSize
		hi := lo + e.cfg.ShardSize
		if hi > len(records) {
			hi = len(records)
		}
		buf, err := json.Marshal(records[lo:hi])
		if err != nil {
			return fmt.Errorf("encode shard %d: %w", i, err)
		}
		shards[i] = buf
		return nil
	}

	if nShards < e.cfg.ParallelThreshold {
		for i := 0; i < nShards; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := encodeShard(i); err != nil {
				return err
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.MaxWorkers)
		for i := 0; i < nShards; i++ {
			i := i
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				return encodeShard(i)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	// Stitch: shard i always precedes shard i+1 regardless of the
	// order shards finished encoding. Each shard buffer is itself a
	// JSON array; its brackets are stripped and exactly one comma
	// separates adjacent shards.
	if err := bw.WriteByte('['); err != nil {
		return err
	}
	for i, shard := range shards {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 {
			if err := bw.WriteByte(','); err != nil {
				return err
			}
		}
		body := bytes.TrimSuffix(bytes.TrimPrefix(shard, []byte("[")), []byte("]"))
		if _, err := bw.Write(body); err != nil {
			return err
		}
	}
	if err := bw.WriteByte(']'); err != nil {
		return err
	}
	return bw.Flush()
}
