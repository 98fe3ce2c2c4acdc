package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danlg/zato/broker"
)

// testBrokerFactory opens real broker channels against endpoints nobody
// answers on; tcp connects are asynchronous, so no listener is needed.
func testBrokerFactory(zctx *zmq.Context) BrokerFactory {
	return func(workerID int) (*broker.Client, error) {
		return broker.NewClient(zctx, "tcp://127.0.0.1:39801", "tcp://127.0.0.1:39802",
			zmq.SUB, nil, func(broker.Message) error { return nil }, broker.Hooks{}, zerolog.Nop())
	}
}

func newTestDispatcher(t *testing.T, queueCapacity int) (*Dispatcher, *executorFixture) {
	zctx, err := zmq.NewContext()
	require.NoError(t, err)

	f := newExecutorFixture(t)
	d := NewDispatcher(queueCapacity, f.executor, testBrokerFactory(zctx), zerolog.Nop())
	t.Cleanup(func() {
		d.Shutdown()
		zctx.Term()
	})
	return d, f
}

func newEchoTask(t *testing.T, body string) (*HTTPTask, *httptest.ResponseRecorder) {
	t.Helper()
	r := httptest.NewRequest("POST", "/echo", strings.NewReader(body))
	r.Header.Set(HeaderZatoUser, "u")
	r.Header.Set(HeaderZatoPassword, "p")
	w := httptest.NewRecorder()
	task, err := NewHTTPTask(w, r)
	require.NoError(t, err)
	return task, w
}

func waitAnswered(t *testing.T, task *HTTPTask) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task was never answered")
	}
}

func TestSetThreadCountResizes(t *testing.T) {
	d, _ := newTestDispatcher(t, 10)
	assert.Equal(t, 0, d.ThreadCount())

	d.SetThreadCount(4)
	assert.Equal(t, 4, d.ThreadCount())

	d.SetThreadCount(1)
	assert.Equal(t, 1, d.ThreadCount())

	d.SetThreadCount(3)
	assert.Equal(t, 3, d.ThreadCount())
}

func TestTasksAreServed(t *testing.T) {
	d, _ := newTestDispatcher(t, 100)
	d.SetThreadCount(3)

	var tasks []*HTTPTask
	var recorders []*httptest.ResponseRecorder
	for i := 0; i < 20; i++ {
		task, w := newEchoTask(t, "ping")
		require.True(t, d.Enqueue(task))
		tasks = append(tasks, task)
		recorders = append(recorders, w)
	}
	for i, task := range tasks {
		waitAnswered(t, task)
		assert.Equal(t, 200, recorders[i].Code)
		assert.Equal(t, "ping", recorders[i].Body.String())
	}
}

func TestEnqueueRefusesWhenFull(t *testing.T) {
	d, _ := newTestDispatcher(t, 1)
	// No workers yet, so the first task stays queued.
	task1, _ := newEchoTask(t, "a")
	task2, _ := newEchoTask(t, "b")
	assert.True(t, d.Enqueue(task1))
	assert.False(t, d.Enqueue(task2))
}

// A shrink must never drop tasks that were queued before it.
func TestShrinkDoesNotLoseTasks(t *testing.T) {
	d, _ := newTestDispatcher(t, 100)
	d.SetThreadCount(4)

	var tasks []*HTTPTask
	for i := 0; i < 30; i++ {
		task, _ := newEchoTask(t, "x")
		require.True(t, d.Enqueue(task))
		tasks = append(tasks, task)
	}
	d.SetThreadCount(1)

	for _, task := range tasks {
		waitAnswered(t, task)
	}
	assert.Equal(t, 1, d.ThreadCount())
}

// One misbehaving request must not take its worker down; the pool keeps
// serving afterwards.
func TestWorkerSurvivesFailingService(t *testing.T) {
	d, _ := newTestDispatcher(t, 10)
	d.SetThreadCount(1)

	r := httptest.NewRequest("POST", "/panic", strings.NewReader("x"))
	r.Header.Set(HeaderZatoUser, "u")
	r.Header.Set(HeaderZatoPassword, "p")
	w := httptest.NewRecorder()
	bad, err := NewHTTPTask(w, r)
	require.NoError(t, err)
	require.True(t, d.Enqueue(bad))
	waitAnswered(t, bad)

	good, goodW := newEchoTask(t, "still alive")
	require.True(t, d.Enqueue(good))
	waitAnswered(t, good)
	assert.Equal(t, "still alive", goodW.Body.String())
	assert.Equal(t, 1, d.ThreadCount())
}

func TestShutdownDrainsQueueFirst(t *testing.T) {
	d, _ := newTestDispatcher(t, 100)
	d.SetThreadCount(2)

	var tasks []*HTTPTask
	for i := 0; i < 10; i++ {
		task, _ := newEchoTask(t, "x")
		require.True(t, d.Enqueue(task))
		tasks = append(tasks, task)
	}
	d.Shutdown()

	// The stop sentinels queue behind the tasks, so by the time Shutdown
	// returns every task has been answered.
	for _, task := range tasks {
		select {
		case <-task.Done():
		default:
			t.Fatal("Shutdown returned with unanswered tasks")
		}
	}
	assert.Equal(t, 0, d.ThreadCount())
}
