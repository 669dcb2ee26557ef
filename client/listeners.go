package client

import "reflect"

// Listener reacts to a notification pushed by the server. Registration is
// purely local bookkeeping; nothing crosses the wire.
type Listener func(params []any)

type listenerEntry struct {
	fn   Listener
	ptr  uintptr
	once bool
}

// On appends a listener to the channel's listener set.
func (c *Client) On(channel string, fn Listener) {
	c.addListener(channel, fn, false)
}

// Once appends a listener that unregisters itself before its first firing, so
// a listener that re-enters registration logic cannot re-trigger itself.
func (c *Client) Once(channel string, fn Listener) {
	c.addListener(channel, fn, true)
}

func (c *Client) addListener(channel string, fn Listener, once bool) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.listeners[channel] = append(c.listeners[channel], listenerEntry{
		fn:   fn,
		ptr:  reflect.ValueOf(fn).Pointer(),
		once: once,
	})
}

// RemoveListener removes the listener registered with the same function as fn
// from channel.
func (c *Client) RemoveListener(channel string, fn Listener) {
	ptr := reflect.ValueOf(fn).Pointer()
	c.lmu.Lock()
	defer c.lmu.Unlock()
	entries := c.listeners[channel]
	for i, e := range entries {
		if e.ptr == ptr {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(c.listeners, channel)
		return
	}
	c.listeners[channel] = entries
}

// RemoveAllListeners clears the listener sets of the named channels, or of
// every channel when called with no arguments.
func (c *Client) RemoveAllListeners(channels ...string) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	if len(channels) == 0 {
		c.listeners = make(map[string][]listenerEntry)
		return
	}
	for _, channel := range channels {
		delete(c.listeners, channel)
	}
}

// fireListeners runs every listener registered for channel against one
// inbound notification. Once-listeners are unregistered before they run; a
// panicking listener is logged and the rest still fire.
func (c *Client) fireListeners(channel string, params []any) {
	c.lmu.Lock()
	entries := c.listeners[channel]
	fns := make([]Listener, 0, len(entries))
	kept := entries[:0]
	for _, e := range entries {
		fns = append(fns, e.fn)
		if !e.once {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(c.listeners, channel)
	} else {
		c.listeners[channel] = kept
	}
	c.lmu.Unlock()

	for _, fn := range fns {
		c.fireOne(channel, fn, params)
	}
}

func (c *Client) fireOne(channel string, fn Listener, params []any) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Debugf("listener on %q panicked: %v", channel, r)
		}
	}()
	fn(params)
}
