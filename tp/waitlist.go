package tp

import (
	"container/list"
	"sync"
)

// waitList holds receivers blocked on a buffer pool. A release of any block
// in the pool reschedules every member; members retry on their own.
type waitList struct {
	name string
	mu   sync.Mutex
	l    list.List
}

func newWaitList(name string) *waitList {
	return &waitList{name: name}
}

func (w *waitList) push(b *Binding) *list.Element {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.l.PushBack(b)
}

func (w *waitList) remove(e *list.Element) {
	w.mu.Lock()
	w.l.Remove(e)
	w.mu.Unlock()
}

func (w *waitList) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.l.Len()
}

// wakeAll only submits work; member state is never touched here.
func (w *waitList) wakeAll() {
	w.mu.Lock()
	waiting := make([]*Binding, 0, w.l.Len())
	for e := w.l.Front(); e != nil; e = e.Next() {
		waiting = append(waiting, e.Value.(*Binding))
	}
	w.mu.Unlock()
	for _, b := range waiting {
		b.work.Submit()
	}
}
