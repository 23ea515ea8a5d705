// Package denylog consumes kernel denial records from the deny_events
// ring buffer and emits them through the logger and the audit ledger.
//
// Architecture:
//
//	[BPF ring buffer]
//	      ↓  (cilium/ebpf ringbuf.Reader, 1s poll deadline)
//	[Consumer goroutine] → zap log line (rate limited) + ruledb denial record
//
// The stream is best-effort audit: the consumer never acknowledges events
// back to the kernel and dropped events are acceptable. Termination is a
// cooperative stop flag plus join; the 1-second read deadline bounds how
// long a stop can take.

package denylog

import (
	"errors"
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"

	"github.com/cgfence/cgfence/internal/bpflsm"
	"github.com/cgfence/cgfence/internal/observability"
	"github.com/cgfence/cgfence/internal/ruledb"
)

// pollTimeout bounds each blocking ring buffer read so the stop flag is
// observed promptly.
const pollTimeout = time.Second

// Consumer drains the deny-event ring buffer in a background goroutine.
type Consumer struct {
	events  *ebpf.Map
	log     *zap.Logger
	metrics *observability.Metrics
	db      *ruledb.DB // optional audit sink
	limiter *Limiter

	stop chan struct{}
	done chan struct{}
}

// NewConsumer creates a Consumer. db may be nil (no audit persistence).
func NewConsumer(events *ebpf.Map, limiter *Limiter, metrics *observability.Metrics, db *ruledb.DB, log *zap.Logger) *Consumer {
	return &Consumer{
		events:  events,
		log:     log,
		metrics: metrics,
		db:      db,
		limiter: limiter,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start opens the ring buffer reader and launches the consumer goroutine.
func (c *Consumer) Start() error {
	rd, err := ringbuf.NewReader(c.events)
	if err != nil {
		return err
	}
	go c.run(rd)
	return nil
}

// Stop signals the consumer and joins it. Safe to call once.
func (c *Consumer) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Consumer) run(rd *ringbuf.Reader) {
	defer close(c.done)
	defer rd.Close()

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		rd.SetDeadline(time.Now().Add(pollTimeout))
		record, err := rd.Read()
		if err != nil {
			if !errors.Is(err, os.ErrDeadlineExceeded) {
				c.log.Error("unrecoverable deny ring buffer error", zap.Error(err))
				return
			}
			// Deadline or transient error — loop and check the stop flag.
			continue
		}

		event, err := bpflsm.ParseDenyEvent(record.RawSample)
		if err != nil {
			c.log.Warn("malformed deny event", zap.Error(err),
				zap.Int("raw_len", len(record.RawSample)))
			continue
		}
		c.emit(event)
	}
}

func (c *Consumer) emit(e bpflsm.DenyEvent) {
	c.metrics.DenyEventsTotal.WithLabelValues(e.Hook.String()).Inc()

	if c.limiter.Allow() {
		fields := []zap.Field{
			zap.String("hook", e.Hook.String()),
			zap.Uint64("cgroup_id", e.CgroupID),
			zap.Uint64("dev", e.Dev),
			zap.Uint64("ino", e.Ino),
			zap.Uint32("required", e.Required),
			zap.String("comm", e.CommString()),
		}
		if name := e.BasenameString(); name != "" {
			fields = append(fields, zap.String("basename", name))
		}
		c.log.Warn("access denied", fields...)
	} else {
		c.metrics.DenyLogsSuppressed.Inc()
	}

	if c.db != nil {
		rec := ruledb.DenialRecord{
			CgroupID: e.CgroupID,
			Dev:      e.Dev,
			Ino:      e.Ino,
			Required: e.Required,
			Hook:     e.Hook.String(),
			Comm:     e.CommString(),
			Basename: e.BasenameString(),
		}
		if err := c.db.AppendDenial(rec); err != nil {
			c.log.Warn("denial audit write failed", zap.Error(err))
		}
	}
}
