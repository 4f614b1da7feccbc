package watcher

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/agentbazaar/bidcore/auction"
	"github.com/agentbazaar/bidcore/coordinator"
	"github.com/agentbazaar/bidcore/metrics"
	golog "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel/metric"
)

var log = golog.Logger("bidcore/watcher")

// Config configures a Watcher.
type Config struct {
	// Interval between polls. Keep it at or below the ledger block time.
	Interval time.Duration
	// Timeout bounds a single poll of all tracked tasks.
	Timeout time.Duration
}

// Event reports a task that moved to a new phase.
type Event struct {
	TaskID   auction.TaskID
	Previous auction.Phase
	Phase    auction.Phase
	Height   uint64
}

// Handler is called for every phase change, outside of the watcher lock.
type Handler func(ctx context.Context, ev Event)

// Source derives the state of a task from the ledger.
type Source interface {
	Snapshot(ctx context.Context, taskID auction.TaskID) (*coordinator.Snapshot, error)
}

// Watcher polls the ledger for the phase of tracked tasks and reports
// changes. Phases are recomputed from scratch on every poll.
type Watcher struct {
	conf    Config
	src     Source
	handler Handler
	t       *time.Ticker
	close   chan struct{}
	done    chan struct{}

	lk     sync.Mutex
	phases map[auction.TaskID]auction.Phase

	metricPolls   metric.Int64Counter
	metricTracked metric.Int64GaugeObserver
}

// New creates a Watcher and starts polling.
func New(conf Config, src Source, handler Handler) (*Watcher, error) {
	if conf.Interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if conf.Timeout <= 0 {
		conf.Timeout = conf.Interval
	}
	if src == nil || handler == nil {
		return nil, errors.New("source and handler are required")
	}
	w := &Watcher{
		conf:        conf,
		src:         src,
		handler:     handler,
		t:           time.NewTicker(conf.Interval),
		close:       make(chan struct{}),
		done:        make(chan struct{}),
		phases:      map[auction.TaskID]auction.Phase{},
		metricPolls: metrics.Meter.NewInt64Counter(metrics.Prefix + ".watcher_polls_total"),
	}
	w.metricTracked = metrics.Meter.NewInt64GaugeObserver(metrics.Prefix+".watcher_tracked_tasks", w.trackedCb)
	w.start()
	return w, nil
}

func (w *Watcher) start() {
	go func() {
		defer close(w.done)
		for {
			select {
			case <-w.t.C:
				ctx, cancel := context.WithTimeout(context.Background(), w.conf.Timeout)
				w.Poll(ctx)
				cancel()
			case <-w.close:
				w.t.Stop()
				return
			}
		}
	}()
}

// Track starts watching taskID. Its first poll always reports an event.
func (w *Watcher) Track(taskID auction.TaskID) {
	w.lk.Lock()
	defer w.lk.Unlock()
	if _, ok := w.phases[taskID]; !ok {
		w.phases[taskID] = auction.PhaseUnspecified
		log.Debugf("tracking task %s", taskID)
	}
}

// Untrack stops watching taskID.
func (w *Watcher) Untrack(taskID auction.TaskID) {
	w.lk.Lock()
	defer w.lk.Unlock()
	delete(w.phases, taskID)
}

// Rearm makes the next poll report the current phase of taskID again, so
// the handler can retry work that didn't finish.
func (w *Watcher) Rearm(taskID auction.TaskID) {
	w.lk.Lock()
	defer w.lk.Unlock()
	if _, ok := w.phases[taskID]; ok {
		w.phases[taskID] = auction.PhaseUnspecified
	}
}

// Tracked returns the tracked tasks and their last seen phase.
func (w *Watcher) Tracked() map[auction.TaskID]auction.Phase {
	w.lk.Lock()
	defer w.lk.Unlock()
	ret := make(map[auction.TaskID]auction.Phase, len(w.phases))
	for id, p := range w.phases {
		ret[id] = p
	}
	return ret
}

// Poll checks every tracked task once and calls the handler for the ones
// whose phase changed. A task that fails to load keeps its last phase.
func (w *Watcher) Poll(ctx context.Context) {
	tracked := w.Tracked()
	ids := make([]auction.TaskID, 0, len(tracked))
	for id := range tracked {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		s, err := w.src.Snapshot(ctx, id)
		metrics.MetricIncrCounter(ctx, err, w.metricPolls)
		if err != nil {
			log.Errorf("polling task %s: %s", id, err)
			continue
		}

		w.lk.Lock()
		prev, ok := w.phases[id]
		if ok {
			w.phases[id] = s.Phase
		}
		w.lk.Unlock()
		if !ok || prev == s.Phase {
			continue
		}

		log.Infof("task %s moved from %s to %s at height %d", id, prev, s.Phase, s.Height)
		w.handler(ctx, Event{TaskID: id, Previous: prev, Phase: s.Phase, Height: s.Height})
	}
}

// Close stops polling and waits for an in-flight poll to finish.
func (w *Watcher) Close() error {
	close(w.close)
	<-w.done
	return nil
}

func (w *Watcher) trackedCb(_ context.Context, r metric.Int64ObserverResult) {
	w.lk.Lock()
	defer w.lk.Unlock()
	r.Observe(int64(len(w.phases)))
}
