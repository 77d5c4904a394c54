package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by tenant ID. All client-map access
// happens on the run goroutine.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with tenant identifier.
type message struct {
	tenantID string
	payload  []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	tenantID string
	client   Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.tenantID]; !ok {
				h.clients[sub.tenantID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.tenantID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.tenantID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.tenantID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.tenantID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.tenantID)
				}
			}
		}
	}
}

// Register adds a client to a tenant stream.
func (h *Hub) Register(tenantID string, client Subscriber) {
	h.register <- subscription{tenantID: tenantID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(tenantID string, client Subscriber) {
	h.unreg <- subscription{tenantID: tenantID, client: client}
}

// Broadcast sends payload to all tenant clients.
func (h *Hub) Broadcast(tenantID string, payload []byte) {
	h.broadcast <- message{tenantID: tenantID, payload: payload}
}
