package localstore

import (
	"log/slog"
	"sync"
)

// subKey identifies a subscription target. An empty id subscribes to every
// record of the table.
type subKey struct {
	table string
	id    string
}

type subscriber struct {
	key subKey
	ch  chan Record
}

// subscriptions fan out post-commit record changes to UI-layer observers.
// Delivery is best effort: a subscriber that stops draining its channel loses
// updates instead of blocking commits.
type subscriptions struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
	logger *slog.Logger
}

func newSubscriptions(logger *slog.Logger) *subscriptions {
	return &subscriptions{subs: make(map[*subscriber]struct{}), logger: logger}
}

// Subscribe registers an observer for (table, id). Pass an empty id to
// observe all records of the table. The returned cancel function is
// idempotent and closes the channel.
func (s *Store) Subscribe(table, id string) (<-chan Record, func()) {
	return s.subs.add(subKey{table: table, id: id})
}

func (ps *subscriptions) add(key subKey) (<-chan Record, func()) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	sub := &subscriber{key: key, ch: make(chan Record, 16)}
	if ps.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	ps.subs[sub] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			ps.mu.Lock()
			defer ps.mu.Unlock()
			if _, ok := ps.subs[sub]; ok {
				delete(ps.subs, sub)
				close(sub.ch)
			}
		})
	}
	return sub.ch, cancel
}

func (ps *subscriptions) notify(rec Record) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for sub := range ps.subs {
		if sub.key.table != rec.Table {
			continue
		}
		if sub.key.id != "" && sub.key.id != rec.ID {
			continue
		}
		select {
		case sub.ch <- rec:
		default:
			ps.logger.Debug("dropping change notification for slow subscriber",
				"table", rec.Table, "id", rec.ID)
		}
	}
}

func (ps *subscriptions) closeAll() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return
	}
	ps.closed = true
	for sub := range ps.subs {
		close(sub.ch)
	}
	ps.subs = map[*subscriber]struct{}{}
}
