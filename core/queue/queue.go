package queue

import (
	"sync"
)

type Interface[T any] interface {
	Add(item T) bool
	Len() int
	Get() (item T, shutdown bool)
	Done()
	ShutDown()
	ShutDownWithDrain()
	ShuttingDown() bool
}

// fifo 基于切片的先进先出队列
type fifo[T any] []T

func (q *fifo[T]) push(item T) {
	*q = append(*q, item)
}

func (q *fifo[T]) pop() (item T) {
	item = (*q)[0]
	(*q)[0] = *new(T)
	*q = (*q)[1:]
	return item
}

// Typed 是一个阻塞式 FIFO 工作队列
// Get 取出的每一项都必须调用一次 Done
type Typed[T any] struct {
	items      fifo[T]
	processing int

	cond *sync.Cond

	shuttingDown bool
	drain        bool
}

func New[T any]() *Typed[T] {
	return &Typed[T]{
		cond: sync.NewCond(&sync.Mutex{}),
	}
}

// Add 入队, 队列关闭后返回 false
func (q *Typed[T]) Add(item T) bool {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	if q.shuttingDown {
		return false
	}

	q.items.push(item)
	q.cond.Signal()
	return true
}

func (q *Typed[T]) Len() int {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	return len(q.items)
}

// Get 阻塞直到有数据或队列关闭
// 关闭且 drain 时会先取完剩余数据
func (q *Typed[T]) Get() (item T, shutdown bool) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	for len(q.items) == 0 && !q.shuttingDown {
		q.cond.Wait()
	}

	if len(q.items) == 0 {
		return *new(T), true
	}

	if q.shuttingDown && !q.drain {
		return *new(T), true
	}

	q.processing++
	return q.items.pop(), false
}

func (q *Typed[T]) Done() {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	q.processing--
	if q.processing == 0 {
		q.cond.Broadcast()
	}
}

// ShutDown 立即关闭, 未处理的数据被丢弃
func (q *Typed[T]) ShutDown() {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	q.drain = false
	q.shuttingDown = true
	clear(q.items)
	q.items = q.items[:0]
	q.cond.Broadcast()
}

// ShutDownWithDrain 关闭并等待队列中的数据全部处理完成
func (q *Typed[T]) ShutDownWithDrain() {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	q.drain = true
	q.shuttingDown = true
	q.cond.Broadcast()

	for len(q.items) > 0 || q.processing > 0 {
		q.cond.Wait()
	}
}

func (q *Typed[T]) ShuttingDown() bool {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	return q.shuttingDown
}
