// Package observer turns a chain's raw transfer stream into confirmed,
// de-duplicated events behind a persisted height watermark. Both
// bridge directions run the same engine over different sources.
package observer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bridge-backend/internal/metrics"
	"bridge-backend/internal/repository"
	"bridge-backend/internal/types"
)

// Source answers height and range queries for one chain.
type Source interface {
	// Chain names the source for logs, metrics and the watermark key.
	Chain() string
	// Synchronized reports whether the chain view is at its real head.
	// A syncing node serves stale heights, so the observer sits out
	// until this turns true.
	Synchronized(ctx context.Context) (bool, error)
	// CurrentHeight returns the chain's present height.
	CurrentHeight(ctx context.Context) (uint64, error)
	// FetchRange returns transfers with heights in [from, to],
	// confirmations computed against current.
	FetchRange(ctx context.Context, from, to, current uint64) ([]types.TransferEvent, error)
}

// ProcessedFunc reports whether an event key already has a durable
// processed record.
type ProcessedFunc func(ctx context.Context, key string) (bool, error)

const maxBackoff = 10 * time.Minute

// Observer polls a Source and emits each sufficiently confirmed
// transfer exactly once per process lifetime, and never again once a
// processed record exists. The persisted watermark trails the chain
// head by the confirmation depth, and is additionally held below the
// oldest emitted event that has neither a processed record nor a
// Resolve call. A crash between delivery and the counterpart action
// therefore lands the restarted observer back on the unfinished event,
// which it re-evaluates and re-emits.
type Observer struct {
	source       Source
	state        repository.StateRepository
	processed    ProcessedFunc
	stateKey     string
	minConf      uint64
	pollInterval time.Duration

	watermark       uint64
	watermarkLoaded bool
	seen            map[string]uint64
	failures        int

	mu          sync.Mutex
	outstanding map[string]uint64

	out      chan types.TransferEvent
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// New builds an observer. stateKey addresses the persisted watermark;
// bufferSize bounds the outbound channel.
func New(source Source, state repository.StateRepository, processed ProcessedFunc, stateKey string, minConf uint64, pollInterval time.Duration, bufferSize int) *Observer {
	if minConf < 1 {
		minConf = 1
	}
	return &Observer{
		source:       source,
		state:        state,
		processed:    processed,
		stateKey:     stateKey,
		minConf:      minConf,
		pollInterval: pollInterval,
		seen:         make(map[string]uint64),
		outstanding:  make(map[string]uint64),
		out:          make(chan types.TransferEvent, bufferSize),
		stopChan:     make(chan struct{}),
	}
}

// Events is the single-consumer stream of confirmed transfers. It is
// closed when the observer stops.
func (o *Observer) Events() <-chan types.TransferEvent {
	return o.out
}

// Resolve acknowledges an emitted event that will never get a processed
// record, such as a deposit to a subaddress this bridge never issued.
// Without it the watermark would wait on the event forever.
func (o *Observer) Resolve(txHash string) {
	o.mu.Lock()
	delete(o.outstanding, txHash)
	o.mu.Unlock()
}

// Start launches the poll loop.
func (o *Observer) Start() {
	o.wg.Add(1)
	go o.run()
	logrus.WithFields(logrus.Fields{
		"chain":            o.source.Chain(),
		"minConfirmations": o.minConf,
		"pollInterval":     o.pollInterval,
	}).Info("🔭 chain observer started")
}

// Stop terminates the loop and closes the event channel.
func (o *Observer) Stop() {
	o.once.Do(func() { close(o.stopChan) })
	o.wg.Wait()
}

func (o *Observer) run() {
	defer o.wg.Done()
	defer close(o.out)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-o.stopChan:
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), o.pollInterval)
		err := o.cycle(ctx)
		cancel()

		delay := o.pollInterval
		if err != nil {
			// Transient failure: back off without touching the
			// watermark so nothing is skipped.
			o.failures++
			backoff := o.pollInterval << uint(o.failures)
			if backoff > maxBackoff || backoff < o.pollInterval {
				backoff = maxBackoff
			}
			delay = backoff
			metrics.ChainQueryErrors.WithLabelValues(o.source.Chain(), "cycle").Inc()
			logrus.WithError(err).WithFields(logrus.Fields{
				"chain":   o.source.Chain(),
				"backoff": delay,
			}).Warn("observer cycle failed")
		} else {
			o.failures = 0
		}
		timer.Reset(delay)
	}
}

// cycle runs one poll: fetch head, scan (watermark, head], emit mature
// unseen transfers, then advance the watermark as far as the
// confirmation depth and the oldest unfinished event allow. Any error
// aborts the cycle before the watermark moves; an unsynchronized
// source skips the cycle without error.
func (o *Observer) cycle(ctx context.Context) error {
	if !o.watermarkLoaded {
		height, err := o.state.GetHeight(ctx, o.stateKey)
		if err != nil {
			return err
		}
		o.watermark = height
		o.watermarkLoaded = true
	}

	synced, err := o.source.Synchronized(ctx)
	if err != nil {
		return err
	}
	if !synced {
		logrus.WithField("chain", o.source.Chain()).Info("chain not synchronized yet, waiting")
		return nil
	}

	current, err := o.source.CurrentHeight(ctx)
	if err != nil {
		return err
	}
	metrics.ObserverHeight.WithLabelValues(o.source.Chain()).Set(float64(current))

	if current > o.watermark {
		events, err := o.source.FetchRange(ctx, o.watermark+1, current, current)
		if err != nil {
			return err
		}
		sort.Slice(events, func(i, j int) bool {
			if events[i].Height != events[j].Height {
				return events[i].Height < events[j].Height
			}
			return events[i].TxHash < events[j].TxHash
		})
		for i := range events {
			if err := o.emit(ctx, &events[i]); err != nil {
				return err
			}
		}
	}

	if err := o.settleOutstanding(ctx); err != nil {
		return err
	}
	return o.advance(ctx, current)
}

func (o *Observer) emit(ctx context.Context, event *types.TransferEvent) error {
	if event.Confirmations < o.minConf {
		return nil
	}
	if _, delivered := o.seen[event.TxHash]; delivered {
		return nil
	}
	done, err := o.processed(ctx, event.TxHash)
	if err != nil {
		return err
	}
	if done {
		o.seen[event.TxHash] = event.Height
		return nil
	}

	select {
	case o.out <- *event:
	case <-o.stopChan:
		return nil
	}
	o.seen[event.TxHash] = event.Height
	o.mu.Lock()
	o.outstanding[event.TxHash] = event.Height
	o.mu.Unlock()
	metrics.ObserverEvents.WithLabelValues(o.source.Chain()).Inc()
	logrus.WithFields(logrus.Fields{
		"chain":         o.source.Chain(),
		"tx":            event.TxHash,
		"height":        event.Height,
		"confirmations": event.Confirmations,
	}).Info("confirmed transfer observed")
	return nil
}

// settleOutstanding drops emitted events that have gained a processed
// record since delivery, releasing the watermark hold on them.
func (o *Observer) settleOutstanding(ctx context.Context) error {
	o.mu.Lock()
	pending := make([]string, 0, len(o.outstanding))
	for tx := range o.outstanding {
		pending = append(pending, tx)
	}
	o.mu.Unlock()

	for _, tx := range pending {
		done, err := o.processed(ctx, tx)
		if err != nil {
			return err
		}
		if done {
			o.Resolve(tx)
		}
	}
	return nil
}

// advance moves the watermark to current − minConfirmations + 1 (the
// newest height whose transfers are all mature), held below the oldest
// outstanding event. It never rewinds.
func (o *Observer) advance(ctx context.Context, current uint64) error {
	if current < o.minConf {
		return nil
	}
	candidate := current - o.minConf + 1

	o.mu.Lock()
	for _, height := range o.outstanding {
		if height == 0 {
			continue
		}
		if height-1 < candidate {
			candidate = height - 1
		}
	}
	o.mu.Unlock()

	if candidate <= o.watermark {
		return nil
	}
	if err := o.state.SetHeight(ctx, o.stateKey, candidate); err != nil {
		return err
	}
	o.watermark = candidate
	metrics.ObserverWatermark.WithLabelValues(o.source.Chain()).Set(float64(candidate))

	// Seen entries at or below the watermark can never be refetched.
	for tx, height := range o.seen {
		if height <= o.watermark {
			delete(o.seen, tx)
		}
	}
	return nil
}
