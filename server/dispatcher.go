package server

import (
	"net/http"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/danlg/zato/broker"
	"github.com/danlg/zato/server/queue"
)

// ThreadContext is the per-worker state bundle: the worker's own broker
// channel plus its identity. It is built once when the worker starts,
// owned exclusively by that worker and passed explicitly down the
// task-execution call chain.
type ThreadContext struct {
	ID     int
	Broker *broker.Client
}

// BrokerFactory opens the broker channel for one worker thread.
type BrokerFactory func(workerID int) (*broker.Client, error)

/*
Dispatcher maintains a dynamically resizable set of worker goroutines,
each owning a live broker channel, all draining one shared FIFO of HTTP
tasks. Shrinking is cooperative: a surplus worker is stopped by a
sentinel it dequeues between tasks, never by preempting an in-flight
request. Workers are fungible; no particular one is ever targeted.
*/
type Dispatcher struct {
	mu        sync.Mutex
	threads   map[int]bool
	stopCount int
	wg        sync.WaitGroup

	tasks     *queue.Queue
	executor  *Executor
	newBroker BrokerFactory
	logger    zerolog.Logger
}

func NewDispatcher(queueCapacity int, executor *Executor, newBroker BrokerFactory, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		threads:   make(map[int]bool),
		tasks:     queue.NewQueue(queueCapacity),
		executor:  executor,
		newBroker: newBroker,
		logger:    logger,
	}
}

// Enqueue hands a task to the pool. Returns false when the queue is at
// capacity; the listener then refuses the request outright instead of
// letting the backlog grow without bound.
func (d *Dispatcher) Enqueue(task *HTTPTask) bool {
	return d.tasks.TryPush(task)
}

// QueueLen reports the number of tasks waiting for a worker.
func (d *Dispatcher) QueueLen() int {
	return d.tasks.Len()
}

// ThreadCount reports the number of live workers, counting those that
// have been told to stop but have not yet observed their sentinel as
// already gone.
func (d *Dispatcher) ThreadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.threads) - d.stopCount
}

// SetThreadCount brings the pool to exactly count workers. Growing
// spawns workers under the next unused small-integer identities;
// shrinking enqueues one stop sentinel per surplus worker. All count
// mutations are serialized under one mutex so concurrent resizes
// cannot mis-track the running count.
func (d *Dispatcher) SetThreadCount(count int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	running := len(d.threads) - d.stopCount
	threadNo := 0
	for running < count {
		for d.threads[threadNo] {
			threadNo++
		}
		d.threads[threadNo] = true
		running++
		d.wg.Add(1)
		go d.handlerThread(threadNo)
		threadNo++
	}
	if running > count {
		toStop := running - count
		d.stopCount += toStop
		for i := 0; i < toStop; i++ {
			d.tasks.Push(nil)
		}
	}
}

// Shutdown stops every worker and waits for them to exit. The queue is
// drained by the remaining workers before their sentinels take effect.
func (d *Dispatcher) Shutdown() {
	d.SetThreadCount(0)
	d.wg.Wait()
}

// handlerThread is one worker's whole life: open the broker channel,
// start its subscriber, then serve tasks until a sentinel arrives.
func (d *Dispatcher) handlerThread(threadNo int) {
	defer d.wg.Done()

	logger := d.logger.With().Int("worker", threadNo).Logger()

	bc, err := d.newBroker(threadNo)
	if err != nil {
		logger.Error().Err(err).Msg("could not open broker channel, worker exiting")
		d.mu.Lock()
		delete(d.threads, threadNo)
		d.mu.Unlock()
		return
	}

	subErrs := bc.StartSubscriber()
	go func() {
		// Supervision: a subscriber loop that dies on a transport error
		// must be observed, not vanish silently.
		if err, ok := <-subErrs; ok && err != nil {
			logger.Error().Err(err).Msg("broker subscriber died")
		}
	}()

	tctx := &ThreadContext{ID: threadNo, Broker: bc}

	for d.isLive(threadNo) {
		item := d.tasks.Pop()
		if item == nil {
			// Sentinel: this worker is the one to go.
			logger.Debug().Msg("worker stopped")
			break
		}
		d.serveTask(item.(*HTTPTask), tctx, logger)
	}

	d.mu.Lock()
	d.stopCount--
	delete(d.threads, threadNo)
	d.mu.Unlock()

	// The broker channel goes as the very last step of the loop.
	bc.Close()
}

func (d *Dispatcher) isLive(threadNo int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threads[threadNo]
}

// serveTask runs one task with panic isolation: a single failing task
// must never kill its worker. The executor already answers everything
// it sees; this is the backstop for failures outside it.
func (d *Dispatcher) serveTask(task *HTTPTask, tctx *ThreadContext, logger zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("cid", task.CID).Interface("panic", r).
				Bytes("stack", debug.Stack()).Msg("exception during task")
			task.Write(http.StatusInternalServerError, "text/plain", []byte("internal server error"))
		}
	}()
	d.executor.Execute(task, tctx)
}
