package queue

type options struct {
	capacity int
}

// Option applies a configuration option to an InMemoryQueue.
type Option func(*options)

// WithCapacity sets the maximum number of buffered items.
func WithCapacity(capacity int) Option {
	return func(o *options) {
		if capacity > 0 {
			o.capacity = capacity
		}
	}
}
