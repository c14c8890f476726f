package gateway

import (
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// Bus is the realtime feed the relay forwards, satisfied by
// *realtime.Client.
type Bus interface {
	SubscribeEntryUpdates(entryID, tag string, handler func(data []byte)) error
	UnsubscribeEntryUpdates(entryID, tag string) error
	SubscribeInbound(receiverID, tag string, handler func(data []byte)) error
	UnsubscribeInbound(receiverID, tag string) error
}

// Server relays backend events to WebSocket clients. Each connection reads
// in its own goroutine; writes are serialized per connection.
type Server struct {
	bus   Bus
	conns *ConnectionManager
}

// NewServer creates a relay over the given event bus.
func NewServer(bus Bus) *Server {
	return &Server{bus: bus, conns: NewConnectionManager()}
}

// HandleUpgrade upgrades an HTTP request to WebSocket and starts the
// connection's read loop. Mount it on the router's /ws path.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[gateway] upgrade: %v", err)
		return
	}

	conn := newConnection(uuid.New().String(), netConn)
	s.conns.Add(conn)
	log.Printf("[gateway] connected %s (%d clients)", conn.ID, s.conns.Count())

	go s.readLoop(conn)
}

func (s *Server) readLoop(conn *Connection) {
	defer s.teardown(conn)

	for {
		data, err := wsutil.ReadClientText(conn.Conn)
		if err != nil {
			if err != io.EOF {
				log.Printf("[gateway] read %s: %v", conn.ID, err)
			}
			return
		}

		frame, err := ParseClientFrame(data)
		if err != nil {
			s.send(conn, ErrorFrame{Type: TypeError, Message: err.Error()})
			continue
		}
		s.dispatch(conn, frame)
	}
}

func (s *Server) dispatch(conn *Connection, frame *ClientFrame) {
	switch frame.Type {
	case TypePing:
		s.send(conn, PongFrame{Type: TypePong})

	case TypeWatchEntry:
		if !conn.addWatch(conn.watchedEntries, frame.ID) {
			return // already watching
		}
		err := s.bus.SubscribeEntryUpdates(frame.ID, conn.ID, func(data []byte) {
			s.forwardEntry(conn, data)
		})
		if err != nil {
			log.Printf("[gateway] watch entry %s for %s: %v", frame.ID, conn.ID, err)
			conn.dropWatch(conn.watchedEntries, frame.ID)
			s.send(conn, ErrorFrame{Type: TypeError, Message: "subscription failed"})
		}

	case TypeUnwatchEntry:
		if conn.dropWatch(conn.watchedEntries, frame.ID) {
			if err := s.bus.UnsubscribeEntryUpdates(frame.ID, conn.ID); err != nil {
				log.Printf("[gateway] unwatch entry %s for %s: %v", frame.ID, conn.ID, err)
			}
		}

	case TypeWatchInbound:
		if !conn.addWatch(conn.watchedInbound, frame.ID) {
			return
		}
		err := s.bus.SubscribeInbound(frame.ID, conn.ID, func(data []byte) {
			s.forwardMessage(conn, data)
		})
		if err != nil {
			log.Printf("[gateway] watch inbound %s for %s: %v", frame.ID, conn.ID, err)
			conn.dropWatch(conn.watchedInbound, frame.ID)
			s.send(conn, ErrorFrame{Type: TypeError, Message: "subscription failed"})
		}

	case TypeUnwatchInbound:
		if conn.dropWatch(conn.watchedInbound, frame.ID) {
			if err := s.bus.UnsubscribeInbound(frame.ID, conn.ID); err != nil {
				log.Printf("[gateway] unwatch inbound %s for %s: %v", frame.ID, conn.ID, err)
			}
		}
	}
}

func (s *Server) forwardEntry(conn *Connection, data []byte) {
	var frame EntryUpdateFrame
	frame.Type = TypeEntryUpdate
	if err := json.Unmarshal(data, &frame.Event); err != nil {
		log.Printf("[gateway] decode entry event: %v", err)
		return
	}
	s.send(conn, frame)
}

func (s *Server) forwardMessage(conn *Connection, data []byte) {
	var frame MessageFrame
	frame.Type = TypeMessage
	if err := json.Unmarshal(data, &frame.Message); err != nil {
		log.Printf("[gateway] decode inbound message: %v", err)
		return
	}
	s.send(conn, frame)
}

func (s *Server) send(conn *Connection, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[gateway] marshal frame: %v", err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[gateway] write to %s: %v", conn.ID, err)
	}
}

func (s *Server) teardown(conn *Connection) {
	entries, inbound := conn.watches()
	for _, id := range entries {
		if err := s.bus.UnsubscribeEntryUpdates(id, conn.ID); err != nil {
			log.Printf("[gateway] teardown entry watch %s: %v", id, err)
		}
	}
	for _, id := range inbound {
		if err := s.bus.UnsubscribeInbound(id, conn.ID); err != nil {
			log.Printf("[gateway] teardown inbound watch %s: %v", id, err)
		}
	}

	s.conns.Remove(conn.ID)
	log.Printf("[gateway] disconnected %s (%d clients)", conn.ID, s.conns.Count())
}
