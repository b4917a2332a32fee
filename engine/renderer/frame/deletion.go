package frame

// DeletionQueue defers destruction of GPU objects until the work that may
// reference them has finished. Callbacks run in reverse push order so that
// objects are torn down after the objects built on top of them.
type DeletionQueue struct {
	deletors []func()
}

func (q *DeletionQueue) Push(fn func()) {
	q.deletors = append(q.deletors, fn)
}

func (q *DeletionQueue) Flush() {
	for i := len(q.deletors) - 1; i >= 0; i-- {
		q.deletors[i]()
		q.deletors[i] = nil
	}
	q.deletors = q.deletors[:0]
}

func (q *DeletionQueue) Len() int {
	return len(q.deletors)
}
