package tracer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kailun2047/nixtrace/instrumentation"
	"github.com/kailun2047/nixtrace/logging"
	"golang.org/x/time/rate"
)

const DefaultDropReportInterval = 10 * time.Second

type State int32

const (
	StateIdle State = iota
	StateAttaching
	StatePolling
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttaching:
		return "attaching"
	case StatePolling:
		return "polling"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Attachment is what a successful attach hands over: the channel events
// arrive on and the resources to release at the end.
type Attachment interface {
	Channel() instrumentation.EventChannel
	Close() error
}

// AttachFunc binds every catalog entry to the target. It must not leave
// anything attached when it fails.
type AttachFunc func(catalog []instrumentation.ProbeDescriptor) (Attachment, error)

type Config struct {
	OutputPath      string
	WriteBufferSize int
	// Minimum time between two warnings about dropped events.
	DropReportInterval time.Duration
}

// Stats summarises one run.
type Stats struct {
	Written   uint64
	Lost      uint64
	Anomalies uint64
}

type Tracer struct {
	attach   AttachFunc
	cfg      Config
	state    atomic.Int32
	dropLog  *rate.Sometimes
	lastLost uint64
	stats    Stats
}

func New(attach AttachFunc, cfg Config) *Tracer {
	if cfg.OutputPath == "" {
		cfg.OutputPath = DefaultOutputPath
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = DefaultWriteBufferSize
	}
	if cfg.DropReportInterval <= 0 {
		cfg.DropReportInterval = DefaultDropReportInterval
	}
	return &Tracer{
		attach:  attach,
		cfg:     cfg,
		dropLog: &rate.Sometimes{Interval: cfg.DropReportInterval},
	}
}

func (t *Tracer) State() State {
	return State(t.state.Load())
}

// Stats is only meaningful once Run has returned.
func (t *Tracer) Stats() Stats {
	return t.stats
}

func (t *Tracer) setState(s State) {
	prev := State(t.state.Swap(int32(s)))
	logging.Logger().Debugf("Tracer state %v -> %v", prev, s)
}

// Run attaches the probe catalog, then appends every event it receives to
// the output file until ctx is cancelled. Cancellation is a normal exit and
// returns nil; records still waiting in the channel at that point are
// dropped. The output is flushed and closed and the attachment released on
// every path.
func (t *Tracer) Run(ctx context.Context) (err error) {
	defer t.setState(StateTerminated)

	t.setState(StateAttaching)
	catalog := instrumentation.ProbeCatalog()
	attachment, err := t.attach(catalog)
	if err != nil {
		return err
	}
	defer func() {
		logging.Logger().Infof("Trace finished: %d events written to %s, %d lost, %d repaired",
			t.stats.Written, t.cfg.OutputPath, t.stats.Lost, t.stats.Anomalies)
	}()
	defer func() {
		err = errors.Join(err, attachment.Close())
	}()

	writer, err := OpenTraceWriter(t.cfg.OutputPath, t.cfg.WriteBufferSize)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, writer.Close())
		t.stats.Written = writer.Count()
	}()

	t.setState(StatePolling)
	logging.Logger().Infof("Ready, writing trace to %s", t.cfg.OutputPath)
	channel := attachment.Channel()
	err = t.poll(ctx, channel, writer)
	t.setState(StateDraining)
	t.stats.Lost = channel.Lost()
	return err
}

func (t *Tracer) poll(ctx context.Context, channel instrumentation.EventChannel, writer *TraceWriter) error {
	// Closing the channel is what interrupts a blocked Poll.
	stop := context.AfterFunc(ctx, func() {
		if err := channel.Close(); err != nil {
			logging.Logger().Warnf("Close event channel: %v", err)
		}
	})
	defer stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		records, err := channel.Poll()
		if err != nil {
			if errors.Is(err, instrumentation.ErrChannelClosed) {
				return nil
			}
			return err
		}
		for _, record := range records {
			if ctx.Err() != nil {
				return nil
			}
			event, anomaly := instrumentation.Decode(record.Sample)
			if anomaly != 0 {
				t.stats.Anomalies++
				logging.Logger().Debugf("Repaired record from CPU %d (%v): %+v", record.CPU, anomaly, event)
			}
			if err := writer.Append(event); err != nil {
				return err
			}
		}
		t.reportDrops(channel.Lost())
	}
}

// The kernel gives no back-pressure, so lost samples are the only sign that
// the trace is incomplete.
func (t *Tracer) reportDrops(lost uint64) {
	t.stats.Lost = lost
	if lost == t.lastLost {
		return
	}
	t.dropLog.Do(func() {
		logging.Logger().Warnf("Per-CPU buffers overflowed: %d events dropped so far (%d since last report)", lost, lost-t.lastLost)
		t.lastLost = lost
	})
}
