package locker

import "context"

// Reader is the read side of locker persistence.
type Reader interface {
	// GetLocker returns ErrLockerNotFound if the locker does not exist.
	GetLocker(ctx context.Context, id string) (*Locker, error)
	ListLockers(ctx context.Context) ([]Locker, error)
	// ListBoxes returns a locker's boxes ordered by BoxID.
	ListBoxes(ctx context.Context, lockerID string) ([]Box, error)
	// GetBox returns ErrBoxNotFound if the box does not exist.
	GetBox(ctx context.Context, id int64) (*Box, error)
	// ListHistory returns pickup snapshots for a box, newest first.
	ListHistory(ctx context.Context, boxRef int64, limit int) ([]HistoryEntry, error)
}

// Tx is a unit of work. Everything written through one Tx commits or rolls
// back together.
type Tx interface {
	Reader

	InsertLocker(ctx context.Context, l *Locker) error
	UpdateLocker(ctx context.Context, l *Locker) error
	// DeleteLocker removes a locker together with its boxes and history.
	DeleteLocker(ctx context.Context, id string) error

	// InsertBox stores a new box and sets its ID.
	InsertBox(ctx context.Context, b *Box) error
	UpdateBox(ctx context.Context, b *Box) error

	// AppendHistory stores a snapshot and sets its ID.
	AppendHistory(ctx context.Context, h *HistoryEntry) error
}

// Store is durable locker state. Reads on the Store observe only committed
// transactions.
type Store interface {
	Reader
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
