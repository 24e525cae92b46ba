package kv

// Notifier is the fire-and-forget "data changed" broadcast consumed by
// views. No acknowledgment contract: a dropped notification means a stale
// view until its next refresh, nothing worse.
type Notifier interface {
	DataChanged(keys []string)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) DataChanged([]string) {}

// ChanNotifier delivers changed-key batches on a channel without ever
// blocking the writer. When the receiver lags, batches are dropped.
type ChanNotifier struct {
	C chan []string
}

// NewChanNotifier creates a notifier with the given buffer depth.
func NewChanNotifier(buffer int) *ChanNotifier {
	return &ChanNotifier{C: make(chan []string, buffer)}
}

func (n *ChanNotifier) DataChanged(keys []string) {
	select {
	case n.C <- keys:
	default:
	}
}
