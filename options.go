package webrun

type options struct {
	id          string
	priority    Priority
	maxRetry    int
	maxRetrySet bool
	metadata    map[string]any
}

// Option is a function that configures a task during Submit.
type Option func(*options)

// TaskID sets a custom ID for the task. If not provided, a random UUID will be generated.
func TaskID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// WithPriority sets the scheduling priority. The default is PriorityNormal.
func WithPriority(p Priority) Option {
	return func(o *options) {
		o.priority = p
	}
}

// MaxRetry sets how many times a failed run is re-queued automatically.
// It overrides the server-wide default.
func MaxRetry(n int) Option {
	return func(o *options) {
		if n < 0 {
			n = 0
		}
		o.maxRetry = n
		o.maxRetrySet = true
	}
}

// Metadata attaches caller-defined values to the task.
func Metadata(kv map[string]any) Option {
	return func(o *options) {
		if o.metadata == nil {
			o.metadata = make(map[string]any, len(kv))
		}
		for k, v := range kv {
			o.metadata[k] = v
		}
	}
}

func collectOptions(opts []Option) options {
	o := options{priority: PriorityNormal}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
