package audit

import "context"

// DefaultBufferSize is the queue length used when NewWriter gets zero.
const DefaultBufferSize = 256

// Logger defines the logging interface used by the writer.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Writer persists entries on one goroutine so callers never wait on SQLite.
// Recording is best-effort: entries beyond the buffer are dropped.
//
// Record is safe on a nil *Writer.
type Writer struct {
	repo   Repository
	ch     chan *Entry
	logger Logger

	done chan struct{}
}

// NewWriter creates a writer over repo with a queue of size entries.
func NewWriter(repo Repository, size int) *Writer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Writer{
		repo:   repo,
		ch:     make(chan *Entry, size),
		logger: noopLogger{},
		done:   make(chan struct{}),
	}
}

// SetLogger sets the logger for dropped and failed writes.
func (w *Writer) SetLogger(logger Logger) {
	if logger != nil {
		w.logger = logger
	}
}

// Record enqueues e. It never blocks.
func (w *Writer) Record(e Entry) {
	if w == nil {
		return
	}
	select {
	case w.ch <- &e:
	default:
		w.logger.Warn("audit log queue full, dropping entry",
			"action", e.Action,
			"entity_type", e.EntityType,
			"entity_id", e.EntityID,
		)
	}
}

// Run writes queued entries until ctx is cancelled, then drains what is
// left and returns. It must be called once.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case e := <-w.ch:
			w.write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-w.ch:
					w.write(e)
				default:
					return
				}
			}
		}
	}
}

// Done is closed once Run has drained and returned.
func (w *Writer) Done() <-chan struct{} { return w.done }

func (w *Writer) write(e *Entry) {
	// The request that produced e may be long gone.
	if err := w.repo.Create(context.Background(), e); err != nil {
		w.logger.Error("audit log write failed",
			"action", e.Action,
			"entity_type", e.EntityType,
			"error", err,
		)
	}
}
