package session

import "sync"

// Store serializes reducer dispatches and notifies subscribers
// synchronously, in dispatch order.
type Store struct {
	mu    sync.Mutex
	state State

	subMu sync.Mutex
	subs  map[int]func(State)
	next  int
}

// NewStore creates a store holding the initial state.
func NewStore() *Store {
	return &Store{
		state: Initial(),
		subs:  make(map[int]func(State)),
	}
}

// Dispatch applies the action and notifies every subscriber with the new
// snapshot before returning. Actions are processed strictly in dispatch
// order.
func (st *Store) Dispatch(a Action) State {
	st.mu.Lock()
	st.state = Reduce(st.state, a)
	next := st.state
	st.mu.Unlock()

	st.subMu.Lock()
	fns := make([]func(State), 0, len(st.subs))
	for _, fn := range st.subs {
		fns = append(fns, fn)
	}
	st.subMu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
	return next
}

// State returns the current snapshot.
func (st *Store) State() State {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// Subscribe registers fn for every future dispatch. The returned cancel
// func removes the subscription; safe to call more than once.
func (st *Store) Subscribe(fn func(State)) (cancel func()) {
	st.subMu.Lock()
	id := st.next
	st.next++
	st.subs[id] = fn
	st.subMu.Unlock()

	return func() {
		st.subMu.Lock()
		delete(st.subs, id)
		st.subMu.Unlock()
	}
}
