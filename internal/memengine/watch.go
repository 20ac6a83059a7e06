package memengine

import (
	"bytes"
	"sync"
)

// watch fires when the committed value of key differs from value.
type watch struct {
	key     []byte
	value   []byte
	present bool
	f       *future
}

func (w *watch) changed(value []byte, present bool) bool {
	return present != w.present || !bytes.Equal(value, w.value)
}

type watchSet struct {
	mu    sync.Mutex
	byKey map[string][]*watch
}

func newWatchSet() *watchSet {
	return &watchSet{byKey: make(map[string][]*watch)}
}

func (ws *watchSet) add(w *watch) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	k := string(w.key)
	ws.byKey[k] = append(ws.byKey[k], w)
}

func (ws *watchSet) remove(w *watch) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	k := string(w.key)
	list := ws.byKey[k]
	for i, x := range list {
		if x == w {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(ws.byKey, k)
	} else {
		ws.byKey[k] = list
	}
}

// len returns the number of registered watches.
func (ws *watchSet) len() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	n := 0
	for _, list := range ws.byKey {
		n += len(list)
	}
	return n
}

// notify fires the watches on keys whose value changed.
func (ws *watchSet) notify(st *store, keys [][]byte) {
	var fired []*watch
	ws.mu.Lock()
	for _, key := range keys {
		list, ok := ws.byKey[string(key)]
		if !ok {
			continue
		}
		value, present := st.latestValue(key)
		kept := list[:0]
		for _, w := range list {
			if w.changed(value, present) {
				fired = append(fired, w)
			} else {
				kept = append(kept, w)
			}
		}
		if len(kept) == 0 {
			delete(ws.byKey, string(key))
		} else {
			ws.byKey[string(key)] = kept
		}
	}
	ws.mu.Unlock()

	for _, w := range fired {
		w.f.succeed()
	}
}

// failAll completes every registered watch with code.
func (ws *watchSet) failAll(code int) {
	ws.mu.Lock()
	var all []*watch
	for _, list := range ws.byKey {
		all = append(all, list...)
	}
	ws.byKey = make(map[string][]*watch)
	ws.mu.Unlock()

	for _, w := range all {
		w.f.fail(code)
	}
}
