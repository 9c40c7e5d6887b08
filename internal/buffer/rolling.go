package buffer

// DefaultCapacity 每组传感器保留的最近读数条数
const DefaultCapacity = 100

// Rolling 固定容量的滚动序列：按到达顺序追加，溢出时丢弃最旧的条目
type Rolling[T any] struct {
	items    []T
	capacity int
}

// NewRolling 创建滚动序列，capacity <= 0 时使用 DefaultCapacity
func NewRolling[T any](capacity int) *Rolling[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Rolling[T]{items: make([]T, 0, capacity), capacity: capacity}
}

// Append 先拼接再截断到最后 capacity 条
func (r *Rolling[T]) Append(items ...T) {
	r.items = append(r.items, items...)
	if over := len(r.items) - r.capacity; over > 0 {
		kept := make([]T, r.capacity)
		copy(kept, r.items[over:])
		r.items = kept
	}
}

// Snapshot 返回当前内容的副本（不重新排序）
func (r *Rolling[T]) Snapshot() []T {
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

func (r *Rolling[T]) Len() int { return len(r.items) }
