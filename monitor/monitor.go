package monitor

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mihkeltiks/rec-replay/logger"
)

// Monitor pushes live recording status over a websocket, for a browser UI
// watching a long recording. One client at a time; reconnects take over.
type Monitor struct {
	connection *websocket.Conn
}

const DefaultAddress = "localhost:3496"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve starts the status endpoint; call in a goroutine.
func (m *Monitor) Serve(address string) {
	if address == "" {
		address = DefaultAddress
	}
	http.HandleFunc("/status", m.handler())

	logger.Verbose("status monitor listening on ws://%s/status", address)
	err := http.ListenAndServe(address, nil)
	if err != nil {
		logger.Warn("monitor server stopped: %v", err)
	}
}

func (m *Monitor) handler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("ws upgrade failed: %v", err)
			return
		}
		if m.connection == nil {
			logger.Verbose("client connected to status monitor")
		}

		m.connection = c
		defer c.Close()

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				if err == websocket.ErrCloseSent {
					logger.Verbose("client disconnected from status monitor")
					m.connection = nil
				} else {
					logger.Warn("ws read error: %v", err)
				}
				break
			}
		}
	}
}

// PushStatus implements the session's status sink.
func (m *Monitor) PushStatus(status interface{}) {
	if m.connection == nil {
		return
	}
	if err := m.connection.WriteJSON(status); err != nil {
		// drop the client before logging; the logger mirrors rows back
		// through this sink
		m.connection = nil
		logger.Warn("error sending ws message: %v", err)
	}
}
