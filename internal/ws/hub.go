package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

const (
	defaultHistoryBytes = 256 * 1024
	defaultFinishedKept = 128
)

// Hub fans build output out to subscribers by build ID. Each build keeps a
// bounded history so late subscribers see what they missed.
type Hub struct {
	streams      map[string]*stream
	finished     []string
	historyBytes int
	finishedKept int

	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	finish    chan string
	quit      chan struct{}
}

type stream struct {
	clients  map[Subscriber]struct{}
	history  [][]byte
	size     int
	finished bool
}

// message couples payload with build identifier.
type message struct {
	buildID string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	buildID  string
	client   Subscriber
	existing bool
}

// NewHub creates a running Hub. historyBytes bounds the replay buffer per build.
func NewHub(historyBytes int) *Hub {
	if historyBytes <= 0 {
		historyBytes = defaultHistoryBytes
	}
	h := &Hub{
		streams:      make(map[string]*stream),
		historyBytes: historyBytes,
		finishedKept: defaultFinishedKept,
		register:     make(chan subscription),
		unreg:        make(chan subscription),
		broadcast:    make(chan message),
		finish:       make(chan string),
		quit:         make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) stream(buildID string) *stream {
	s, ok := h.streams[buildID]
	if !ok {
		s = &stream{clients: make(map[Subscriber]struct{})}
		h.streams[buildID] = s
	}
	return s
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.streams[sub.buildID]; !ok && sub.existing {
				sub.client.Close()
				continue
			}
			s := h.stream(sub.buildID)
			if !replay(sub.client, s.history) {
				continue
			}
			if s.finished {
				sub.client.Close()
				continue
			}
			s.clients[sub.client] = struct{}{}
		case sub := <-h.unreg:
			if s, ok := h.streams[sub.buildID]; ok {
				delete(s.clients, sub.client)
			}
		case msg := <-h.broadcast:
			s := h.stream(msg.buildID)
			if s.finished {
				continue
			}
			s.remember(msg.payload, h.historyBytes)
			for c := range s.clients {
				if err := c.Send(msg.payload); err != nil {
					c.Close()
					delete(s.clients, c)
				}
			}
		case buildID := <-h.finish:
			s := h.stream(buildID)
			if s.finished {
				continue
			}
			s.finished = true
			for c := range s.clients {
				c.Close()
			}
			s.clients = make(map[Subscriber]struct{})
			h.finished = append(h.finished, buildID)
			for len(h.finished) > h.finishedKept {
				delete(h.streams, h.finished[0])
				h.finished = h.finished[1:]
			}
		case <-h.quit:
			for _, s := range h.streams {
				for c := range s.clients {
					c.Close()
				}
			}
			return
		}
	}
}

func replay(client Subscriber, history [][]byte) bool {
	for _, payload := range history {
		if err := client.Send(payload); err != nil {
			client.Close()
			return false
		}
	}
	return true
}

func (s *stream) remember(payload []byte, limit int) {
	s.history = append(s.history, payload)
	s.size += len(payload)
	for s.size > limit && len(s.history) > 1 {
		s.size -= len(s.history[0])
		s.history = s.history[1:]
	}
}

// Register adds a client to a build stream and replays its history. Clients
// joining a finished build receive the history and are closed.
func (h *Hub) Register(buildID string, client Subscriber) {
	select {
	case h.register <- subscription{buildID: buildID, client: client}:
	case <-h.quit:
		client.Close()
	}
}

// RegisterExisting behaves like Register for streams the hub still holds. For
// any other build the client is closed without creating a stream, so
// subscribers to finished builds whose history was evicted do not linger.
func (h *Hub) RegisterExisting(buildID string, client Subscriber) {
	select {
	case h.register <- subscription{buildID: buildID, client: client, existing: true}:
	case <-h.quit:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(buildID string, client Subscriber) {
	select {
	case h.unreg <- subscription{buildID: buildID, client: client}:
	case <-h.quit:
	}
}

// Broadcast sends payload to all build subscribers.
func (h *Hub) Broadcast(buildID string, payload []byte) {
	select {
	case h.broadcast <- message{buildID: buildID, payload: payload}:
	case <-h.quit:
	}
}

// Finish closes every subscriber of a build; later broadcasts are dropped.
func (h *Hub) Finish(buildID string) {
	select {
	case h.finish <- buildID:
	case <-h.quit:
	}
}

// Stop terminates the hub and closes all subscribers.
func (h *Hub) Stop() {
	select {
	case <-h.quit:
	default:
		close(h.quit)
	}
}
