package transport

import "sync"

// Dispatcher serialises callback delivery and enforces the callback
// contract. Transports create one per session and report every event through
// it; calls after the terminal event are discarded.
//
// Callbacks may call Silence (directly or through Session.Close) but must
// not report further events on the same Dispatcher.
type Dispatcher struct {
	cb Callbacks

	deliverMu sync.Mutex // held while a callback runs

	mu     sync.Mutex
	opened bool
	done   bool
}

// NewDispatcher wraps cb.
func NewDispatcher(cb Callbacks) *Dispatcher {
	return &Dispatcher{cb: cb}
}

// claim updates the flags under mu and reports whether the event should be
// delivered.
func (d *Dispatcher) claim(update func() bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return false
	}
	return update()
}

// Open fires OnOpen the first time it is called.
func (d *Dispatcher) Open() {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	ok := d.claim(func() bool {
		if d.opened {
			return false
		}
		d.opened = true
		return true
	})
	if ok && d.cb.OnOpen != nil {
		d.cb.OnOpen()
	}
}

// Message fires OnMessage unless the stream has ended.
func (d *Dispatcher) Message(m Message) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	if d.claim(func() bool { return true }) && d.cb.OnMessage != nil {
		d.cb.OnMessage(m)
	}
}

// Error ends the stream with OnError. It reports whether this call was the
// terminal event.
func (d *Dispatcher) Error(err error) bool {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	ok := d.claim(func() bool { d.done = true; return true })
	if ok && d.cb.OnError != nil {
		d.cb.OnError(err)
	}
	return ok
}

// Close ends the stream with OnClose. It reports whether this call was the
// terminal event.
func (d *Dispatcher) Close() bool {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	ok := d.claim(func() bool { d.done = true; return true })
	if ok && d.cb.OnClose != nil {
		d.cb.OnClose()
	}
	return ok
}

// Silence ends the stream without firing anything. Local Close calls use it.
// It never waits for a running callback.
func (d *Dispatcher) Silence() {
	d.mu.Lock()
	d.done = true
	d.mu.Unlock()
}

// Opened reports whether OnOpen has fired.
func (d *Dispatcher) Opened() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Done reports whether the stream has ended.
func (d *Dispatcher) Done() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}
