package instrumentation

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cilium/ebpf/perf"
	"github.com/kailun2047/nixtrace/logging"
)

// Upper bound on records returned by one Poll, so a busy CPU cannot starve
// the cancellation check between batches.
const maxPollBatch = 4096

var ErrChannelClosed = errors.New("event channel closed")

// RawRecord is one undecoded sample together with the CPU whose buffer it
// came from. Ordering is only meaningful among records of the same CPU.
type RawRecord struct {
	CPU    int
	Sample []byte
}

type perfReadCloser interface {
	Read() (perf.Record, error)
	Close() error
}

// EventChannel carries raw records from the BPF handler to the consumer.
type EventChannel interface {
	// Poll blocks until at least one record is available and returns the
	// records read so far. It returns ErrChannelClosed once Close was called.
	Poll() ([]RawRecord, error)
	// Lost is the number of records the producer dropped because a per-CPU
	// buffer was full.
	Lost() uint64
	Close() error
}

// EventReader drains a per-CPU perf event array. The kernel drops new samples
// while a CPU's buffer is full, so the traced process is never slowed down by
// the reader; those drops only show up as a count.
type EventReader struct {
	perfReader perfReadCloser
	lost       atomic.Uint64
	closeOnce  sync.Once
	closeErr   error
}

func NewEventReader(perfReader perfReadCloser) *EventReader {
	return &EventReader{
		perfReader: perfReader,
	}
}

// When Close() is called, records still resident in the per-CPU buffers are
// discarded rather than drained.
func (r *EventReader) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.perfReader.Close()
	})
	return r.closeErr
}

func (r *EventReader) Lost() uint64 {
	return r.lost.Load()
}

func (r *EventReader) Poll() ([]RawRecord, error) {
	var records []RawRecord
	for {
		record, err := r.perfReader.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				logging.Logger().Debug("Event reader closed")
				return nil, ErrChannelClosed
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return records, nil
			}
			return records, fmt.Errorf("read perf buffer: %w", err)
		}
		if record.LostSamples > 0 {
			r.lost.Add(record.LostSamples)
		} else {
			records = append(records, RawRecord{
				CPU:    record.CPU,
				Sample: record.RawSample,
			})
		}
		// Keep going only while the current CPU's buffer still holds data;
		// otherwise the next Read would block.
		if record.Remaining <= 0 || len(records) >= maxPollBatch {
			return records, nil
		}
	}
}
