package session

import "sync"

type frameKind int

const (
	frameResponse frameKind = iota
	frameEvent
)

type frame struct {
	kind frameKind
	data []byte
}

// outbox is the ordered outbound path of one connection: a single FIFO of
// responses and events drained by one writer goroutine. Events beyond
// eventLimit evict the oldest queued event. Responses are never evicted;
// once more than responseLimit are queued the connection is considered dead.
type outbox struct {
	mu            sync.Mutex
	frames        []frame
	events        int
	responses     int
	eventLimit    int
	responseLimit int
	closed        bool
	dropped       uint64

	notify chan struct{}
	done   chan struct{}
}

func newOutbox(eventLimit, responseLimit int) *outbox {
	return &outbox{
		eventLimit:    eventLimit,
		responseLimit: responseLimit,
		notify:        make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// pushEvent queues an event frame. It reports whether an older event had to
// be dropped to make room.
func (o *outbox) pushEvent(data []byte) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false, ErrOutboxClosed
	}

	dropped := false
	if o.eventLimit > 0 && o.events >= o.eventLimit {
		for i, f := range o.frames {
			if f.kind == frameEvent {
				o.frames = append(o.frames[:i], o.frames[i+1:]...)
				o.events--
				o.dropped++
				dropped = true
				break
			}
		}
	}
	o.frames = append(o.frames, frame{kind: frameEvent, data: data})
	o.events++
	o.signal()
	return dropped, nil
}

// pushResponse queues a response frame. ErrResponseBacklog means the client
// stopped reading; the frame is not queued and the caller must close the
// connection.
func (o *outbox) pushResponse(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOutboxClosed
	}
	if o.responseLimit > 0 && o.responses >= o.responseLimit {
		return ErrResponseBacklog
	}
	o.frames = append(o.frames, frame{kind: frameResponse, data: data})
	o.responses++
	o.signal()
	return nil
}

// close stops accepting frames; queued frames are still written.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.signal()
	o.mu.Unlock()
}

// abort stops accepting frames and discards what is queued.
func (o *outbox) abort() {
	o.mu.Lock()
	o.closed = true
	o.frames = nil
	o.events, o.responses = 0, 0
	o.signal()
	o.mu.Unlock()
}

// queued returns the number of queued events and responses.
func (o *outbox) queued() (events, responses int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.events, o.responses
}

func (o *outbox) signal() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// next blocks until a frame is available or the outbox is closed and empty.
func (o *outbox) next() (frame, bool) {
	for {
		o.mu.Lock()
		if len(o.frames) > 0 {
			f := o.frames[0]
			o.frames[0] = frame{}
			o.frames = o.frames[1:]
			if f.kind == frameEvent {
				o.events--
			} else {
				o.responses--
			}
			o.mu.Unlock()
			return f, true
		}
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return frame{}, false
		}
		<-o.notify
	}
}

// run writes frames to t in order until the outbox is closed and drained.
// A send failure discards the rest and is reported through failed.
func (o *outbox) run(t Transport, failed func(error)) {
	defer close(o.done)
	defer func() { _ = t.Close() }()

	for {
		f, ok := o.next()
		if !ok {
			return
		}
		if err := t.Send(f.data); err != nil {
			o.abort()
			if failed != nil {
				failed(err)
			}
			return
		}
	}
}
