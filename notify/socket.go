package notify

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/liamcoop/rulesadapter/internal/logger"
)

const writeTimeout = 10 * time.Second

// Socket pushes events as JSON text frames to a websocket connection.
// Events are buffered in a Queue and written by a dedicated goroutine, so a
// slow client only ever loses events, never stalls the adapter.
type Socket struct {
	conn  *websocket.Conn
	queue *Queue
	done  chan struct{}
	once  sync.Once
}

// NewSocket starts writing events to conn.
func NewSocket(conn *websocket.Conn, buffer int) *Socket {
	s := &Socket{
		conn:  conn,
		queue: NewQueue(buffer),
		done:  make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// Send queues e for the client.
func (s *Socket) Send(e Event) {
	s.queue.Send(e)
}

// Done is closed when the writer stops, after Close or a write failure.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Close flushes queued events and closes the connection.
func (s *Socket) Close() error {
	var err error
	s.once.Do(func() {
		s.queue.Close()
		<-s.done
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		err = s.conn.Close()
	})
	return err
}

func (s *Socket) writeLoop() {
	defer close(s.done)

	for e := range s.queue.Events() {
		if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			logger.Warn("websocket deadline failed", "error", err)
			return
		}
		if err := s.conn.WriteJSON(e); err != nil {
			logger.Warn("failed to write websocket event", "type", string(e.Type), "error", err)
			return
		}
	}
}
