package ledger

// pendingItem is one key waiting in a Pending set. Items are ordered by score
// (the first-dirtied or due time in unix nanoseconds) and then by insertion
// sequence, so keys with equal scores keep FIFO order.
type pendingItem struct {
	key   string
	score int64
	seq   uint64
	index int
}

// pendingQueue implements heap.Interface.
type pendingQueue []*pendingItem

func (q pendingQueue) Len() int { return len(q) }

func (q pendingQueue) Less(i, j int) bool {
	if q[i].score != q[j].score {
		return q[i].score < q[j].score
	}
	return q[i].seq < q[j].seq
}

func (q pendingQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *pendingQueue) Push(x any) {
	item := x.(*pendingItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}
