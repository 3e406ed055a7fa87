package scheduler

import (
	"math/bits"
	"time"
)

// ChunkPolicy bounds the duration of planned chunks.
type ChunkPolicy struct {
	Target time.Duration
	Min    time.Duration
	Max    time.Duration
	// BlockAlign is the byte alignment of chunk boundaries. Zero uses the
	// job's audio block alignment.
	BlockAlign int
}

// DefaultChunkPolicy splits audio into one-minute chunks.
var DefaultChunkPolicy = ChunkPolicy{
	Target: 60 * time.Second,
	Min:    10 * time.Second,
	Max:    10 * time.Minute,
}

func (p ChunkPolicy) withDefaults() ChunkPolicy {
	if p.Target <= 0 {
		p.Target = DefaultChunkPolicy.Target
	}
	if p.Min <= 0 {
		p.Min = min(DefaultChunkPolicy.Min, p.Target)
	}
	if p.Max <= 0 {
		p.Max = max(DefaultChunkPolicy.Max, p.Target)
	}
	return p
}

// Budget describes the dispatch capacity a plan must fit into.
type Budget struct {
	// Capacity is the number of calls per Window.
	Capacity int
	Window   time.Duration
	// AvgLatency is the expected duration of one upstream call.
	AvgLatency time.Duration
	// Remaining is the time left until the job deadline. Zero means no
	// deadline.
	Remaining time.Duration
}

// Estimate returns how long n chunks take to dispatch: every full window of
// calls beyond the first costs one Window, and the last call adds one
// AvgLatency.
func (b Budget) Estimate(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	if b.Capacity <= 0 {
		return b.AvgLatency
	}
	windows := (n + b.Capacity - 1) / b.Capacity
	return time.Duration(windows-1)*b.Window + b.AvgLatency
}

// ChunkDuration picks the chunk length for audio of the given total length.
// It starts from the policy target clamped to [Min, Max] and, when a deadline
// is set, doubles until the estimated dispatch time fits or Max is reached.
func ChunkDuration(total time.Duration, p ChunkPolicy, b Budget) time.Duration {
	p = p.withDefaults()
	d := min(max(p.Target, p.Min), p.Max)
	if b.Remaining > 0 {
		for d < p.Max && b.Estimate(chunkCount(total, d)) > b.Remaining {
			d = min(2*d, p.Max)
		}
	}
	return d
}

func chunkCount(total, d time.Duration) int {
	if d <= 0 || total <= 0 {
		return 1
	}
	return int((total + d - 1) / d)
}

// Plan splits job into chunks and stores them on job.Chunks. Byte boundaries
// are proportional to time and aligned down to the block alignment. A tail
// shorter than the policy minimum is merged into the previous chunk.
func Plan(job *Job, p ChunkPolicy, b Budget) []*Chunk {
	p = p.withDefaults()
	size := job.Source.Size()
	total := job.Duration
	align := int64(p.BlockAlign)
	if align <= 0 {
		align = int64(job.Format.BlockAlign())
	}
	align = max(align, 1)

	d := ChunkDuration(total, p, b)
	n := chunkCount(total, d)

	var chunks []*Chunk
	var prevOff int64
	for i := range n {
		start := time.Duration(i) * d
		end := min(start+d, total)
		off := alignDown(scale(size, start, total), align)
		endOff := size
		if i < n-1 {
			endOff = alignDown(scale(size, end, total), align)
		}
		if len(chunks) > 0 && end-start < p.Min {
			last := chunks[len(chunks)-1]
			last.End = end
			last.Length = endOff - last.Offset
			continue
		}
		if endOff <= off || (i > 0 && off < prevOff) {
			continue
		}
		chunks = append(chunks, &Chunk{
			Index:  len(chunks),
			Offset: off,
			Length: endOff - off,
			Start:  start,
			End:    end,
			Status: ChunkPending,
		})
		prevOff = endOff
	}
	job.Chunks = chunks
	return chunks
}

// scale returns size*t/total without overflowing for multi-hour inputs.
func scale(size int64, t, total time.Duration) int64 {
	if total <= 0 || t >= total {
		return size
	}
	if t <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(size), uint64(t))
	q, _ := bits.Div64(hi, lo, uint64(total))
	return int64(q)
}

func alignDown(n, align int64) int64 { return n - n%align }
