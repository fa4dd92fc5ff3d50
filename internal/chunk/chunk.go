// Package chunk partitions id lists into units of work.
//
// SplitBatch is grouping-aware and used when a run is generated; SplitJob slices
// one chunk into transaction-sized sub-batches; ChunksNumber and ChunksSize are the
// flat top-level strategies selected by the split mode.
package chunk

import (
	"github.com/SirClappington/chunkq/internal/domain"
	"github.com/SirClappington/chunkq/internal/exception"
)

// SplitBatch greedily packs units into chunks of at most n ids without ever
// separating a unit, preserving input order. Scalar ids accumulate until the next
// one would overflow n. A multi-id unit always travels as its own chunk, even when
// it is larger than n. Multi-id units are never packed with their neighbours, so
// [[1 2] [3 4]] with n=5 yields two chunks; packing is given up to keep unit order
// and chunk boundaries aligned. n == 0 yields a single chunk holding everything.
func SplitBatch(units []domain.Unit, n int) ([][]int64, error) {
	if n < 0 {
		return nil, exception.InvalidArgument("split_batch", "negative split size %d", n)
	}
	var out [][]int64
	var group []int64
	flush := func() {
		if len(group) > 0 {
			out = append(out, group)
			group = nil
		}
	}
	for _, u := range units {
		ids := append([]int64(nil), u...)
		switch {
		case n == 0:
			group = append(group, ids...)
		case len(ids) > 1:
			flush()
			out = append(out, ids)
		case len(group)+len(ids) > n:
			flush()
			group = ids
		default:
			group = append(group, ids...)
		}
	}
	flush()
	return out, nil
}

// SplitJob slices ids into contiguous sub-batches of n. n == 0 or n >= len(ids)
// yields the whole list as one slice.
func SplitJob(ids []int64, n int) ([][]int64, error) {
	if n < 0 {
		return nil, exception.InvalidArgument("split_job", "negative split size %d", n)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if n == 0 || n >= len(ids) {
		return [][]int64{ids}, nil
	}
	out := make([][]int64, 0, (len(ids)+n-1)/n)
	for i := 0; i < len(ids); i += n {
		end := i + n
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[i:end])
	}
	return out, nil
}

// ChunksNumber slices ids into contiguous chunks of exactly n ids, the last one
// possibly shorter.
func ChunksNumber(ids []int64, n int) ([][]int64, error) {
	if n <= 0 {
		return nil, exception.InvalidArgument("chunks_number", "chunk size must be positive, got %d", n)
	}
	out := make([][]int64, 0, (len(ids)+n-1)/n)
	for i := 0; i < len(ids); i += n {
		end := i + n
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[i:end])
	}
	return out, nil
}

// ChunksSize divides ids into n contiguous chunks of len(ids)/n ids; the last chunk
// absorbs the remainder. n is capped at len(ids) so no chunk is empty.
func ChunksSize(ids []int64, n int) ([][]int64, error) {
	if n <= 0 {
		return nil, exception.InvalidArgument("chunks_size", "chunk count must be positive, got %d", n)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if n > len(ids) {
		n = len(ids)
	}
	size := len(ids) / n
	out := make([][]int64, 0, n)
	for i := 0; i < n-1; i++ {
		out = append(out, ids[i*size:(i+1)*size])
	}
	return append(out, ids[(n-1)*size:]), nil
}

// Halve splits ids at the midpoint. The first half gets the smaller part.
func Halve(ids []int64) ([]int64, []int64) {
	mid := len(ids) / 2
	return ids[:mid], ids[mid:]
}

// Flatten concatenates units in order.
func Flatten(units []domain.Unit) []int64 {
	n := 0
	for _, u := range units {
		n += len(u)
	}
	out := make([]int64, 0, n)
	for _, u := range units {
		out = append(out, u...)
	}
	return out
}

// Units wraps scalar ids as singleton units.
func Units(ids ...int64) []domain.Unit {
	out := make([]domain.Unit, len(ids))
	for i, id := range ids {
		out[i] = domain.Unit{id}
	}
	return out
}
