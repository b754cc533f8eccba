package worker

import (
	"sync"
	"time"
)

type TaskStop struct{}

type Task interface{}

type Worker struct {
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup
}

type TaskHandler interface {
	Handle(t Task)
}

type Starter interface {
	Start()
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		for {
			task := <-w.receiver
			if _, ok := task.(TaskStop); ok {
				return
			}
			handler.Handle(task)
		}
	}()
}

// TrySend queues t unless the queue is full.
func (w *Worker) TrySend(t Task) bool {
	select {
	case w.sender <- t:
		return true
	default:
		return false
	}
}

func (w *Worker) Stop() {
	w.sender <- TaskStop{}
}

func newWorker(wg *sync.WaitGroup, capacity int) *Worker {
	ch := make(chan Task, capacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		wg:       wg,
	}
}

// Ticker feeds a periodic task into its own worker. A tick that finds the
// previous task still queued is dropped, so slow passes never pile up.
type Ticker struct {
	worker   *Worker
	interval time.Duration
	task     Task
	closeCh  chan struct{}
	wg       *sync.WaitGroup
}

func NewTicker(interval time.Duration, task Task, wg *sync.WaitGroup) *Ticker {
	return &Ticker{
		worker:   newWorker(wg, 1),
		interval: interval,
		task:     task,
		closeCh:  make(chan struct{}),
		wg:       wg,
	}
}

func (t *Ticker) Start(handler TaskHandler) {
	t.worker.Start(handler)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		tick := time.NewTicker(t.interval)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				t.worker.TrySend(t.task)
			case <-t.closeCh:
				return
			}
		}
	}()
}

// Stop ends the tick loop and then the worker, after any queued pass ran.
func (t *Ticker) Stop() {
	close(t.closeCh)
	t.worker.Stop()
}
