package platform

import (
	"context"
	"sync"

	"github.com/gofiber/fiber/v2/log"
)

const defaultPollWorkers = 8

// pollFanout hands polled updates to the sink concurrently across users.
// Updates of one sender run one after another in arrival order; at most
// workers sink calls run at once.
type pollFanout struct {
	sink UpdateSink
	sem  chan struct{}

	mu     sync.Mutex
	queues map[int64][][]byte
	closed bool
	wg     sync.WaitGroup
}

func newPollFanout(sink UpdateSink, workers int) *pollFanout {
	if workers <= 0 {
		workers = defaultPollWorkers
	}
	return &pollFanout{
		sink:   sink,
		sem:    make(chan struct{}, workers),
		queues: map[int64][][]byte{},
	}
}

// senderKey groups updates by sender. Updates without one share key 0.
func senderKey(raw []byte) int64 {
	u, err := ParseUpdate(raw)
	if err != nil {
		return 0
	}
	if from := u.Sender(); from != nil {
		return from.ID
	}
	return 0
}

// dispatch queues raw behind earlier updates of the same sender.
func (f *pollFanout) dispatch(ctx context.Context, raw []byte) {
	key := senderKey(raw)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	queue, busy := f.queues[key]
	f.queues[key] = append(queue, raw)
	if busy {
		return
	}
	f.wg.Add(1)
	go f.drain(ctx, key)
}

func (f *pollFanout) drain(ctx context.Context, key int64) {
	defer f.wg.Done()
	for {
		f.mu.Lock()
		queue := f.queues[key]
		if len(queue) == 0 {
			delete(f.queues, key)
			f.mu.Unlock()
			return
		}
		raw := queue[0]
		f.queues[key] = queue[1:]
		f.mu.Unlock()

		select {
		case f.sem <- struct{}{}:
		case <-ctx.Done():
			f.mu.Lock()
			dropped := len(f.queues[key]) + 1
			delete(f.queues, key)
			f.mu.Unlock()
			log.Warnf("[Platform] polling stopped, %d queued updates of sender %d dropped", dropped, key)
			return
		}
		f.sink(ctx, raw)
		<-f.sem
	}
}

// wait refuses further updates and blocks until every queued one was handed
// to the sink or dropped.
func (f *pollFanout) wait() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.wg.Wait()
}
