package bridge

import (
	"context"
	"reflect"
	"sync"
)

// HandlerFunc answers request/response calls on a channel. The returned value
// is marshaled into the response; a returned error becomes an error response
// carrying the error's message.
type HandlerFunc func(ctx context.Context, sess *Session, params []any) (any, error)

// ListenerFunc reacts to fire-and-forget notifications on a channel. Its
// outcome is never reported to the sender.
type ListenerFunc func(ctx context.Context, sess *Session, params []any)

type listenerEntry struct {
	fn   ListenerFunc
	ptr  uintptr
	once bool
}

type route struct {
	handler     HandlerFunc
	handlerOnce bool
	listeners   []listenerEntry
}

// registry maps channel names to their dispatch behavior: at most one invoke
// handler plus zero or more listeners per channel. A route with neither is
// torn down so dead channels don't accumulate.
type registry struct {
	mu     sync.RWMutex
	routes map[string]*route
}

func newRegistry() *registry {
	return &registry{routes: make(map[string]*route)}
}

func (r *registry) setHandler(channel string, h HandlerFunc, once bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt := r.routes[channel]
	if rt == nil {
		rt = &route{}
		r.routes[channel] = rt
	}
	rt.handler = h
	rt.handlerOnce = once
}

func (r *registry) clearHandler(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[channel]
	if !ok {
		return
	}
	rt.handler = nil
	rt.handlerOnce = false
	r.tidyLocked(channel, rt)
}

// lookupHandler returns the invoke handler for channel. A handler registered
// with HandleOnce is removed here, at lookup time, so it can fire at most
// once even with concurrent requests in flight on the same channel.
func (r *registry) lookupHandler(channel string) (HandlerFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[channel]
	if !ok || rt.handler == nil {
		return nil, false
	}
	h := rt.handler
	if rt.handlerOnce {
		rt.handler = nil
		rt.handlerOnce = false
		r.tidyLocked(channel, rt)
	}
	return h, true
}

func (r *registry) addListener(channel string, fn ListenerFunc, once bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt := r.routes[channel]
	if rt == nil {
		rt = &route{}
		r.routes[channel] = rt
	}
	rt.listeners = append(rt.listeners, listenerEntry{
		fn:   fn,
		ptr:  reflect.ValueOf(fn).Pointer(),
		once: once,
	})
}

// removeListener removes the first listener on channel with the same function
// pointer as fn.
func (r *registry) removeListener(channel string, fn ListenerFunc) {
	ptr := reflect.ValueOf(fn).Pointer()
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[channel]
	if !ok {
		return
	}
	for i, e := range rt.listeners {
		if e.ptr == ptr {
			rt.listeners = append(rt.listeners[:i], rt.listeners[i+1:]...)
			break
		}
	}
	r.tidyLocked(channel, rt)
}

// removeAllListeners clears the listener sets of the named channels, or of
// every channel when none are named.
func (r *registry) removeAllListeners(channels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(channels) == 0 {
		for channel, rt := range r.routes {
			rt.listeners = nil
			r.tidyLocked(channel, rt)
		}
		return
	}
	for _, channel := range channels {
		if rt, ok := r.routes[channel]; ok {
			rt.listeners = nil
			r.tidyLocked(channel, rt)
		}
	}
}

// snapshotListeners returns the listeners to run for one notification on
// channel. Once-listeners are unregistered here, before they run, so a
// listener that re-enters the registry cannot re-trigger itself. The snapshot
// means registry mutation during dispatch never races the running set.
func (r *registry) snapshotListeners(channel string) []ListenerFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[channel]
	if !ok || len(rt.listeners) == 0 {
		return nil
	}
	fns := make([]ListenerFunc, 0, len(rt.listeners))
	kept := rt.listeners[:0]
	for _, e := range rt.listeners {
		fns = append(fns, e.fn)
		if !e.once {
			kept = append(kept, e)
		}
	}
	rt.listeners = kept
	r.tidyLocked(channel, rt)
	return fns
}

// tidyLocked tears down the route once it has neither handler nor listeners.
// Callers must hold r.mu.
func (r *registry) tidyLocked(channel string, rt *route) {
	if rt.handler == nil && len(rt.listeners) == 0 {
		delete(r.routes, channel)
	}
}

func (r *registry) routeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}
