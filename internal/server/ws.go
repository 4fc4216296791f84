// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/matta/inboxwatch/internal/event"
	"github.com/matta/inboxwatch/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxCommandSize = 4096
)

// wsViewer is a broadcast.Viewer backed by a WebSocket connection.
// One goroutine writes from the send queue; the handler goroutine
// reads commands.
type wsViewer struct {
	id   string
	conn *websocket.Conn
	log  logger.Logger

	send chan event.Event
	done chan struct{}
	once sync.Once
}

func newViewer(conn *websocket.Conn, queueSize int, log logger.Logger) *wsViewer {
	id := uuid.NewString()
	return &wsViewer{
		id:   id,
		conn: conn,
		log:  log.With("viewer", id),
		send: make(chan event.Event, queueSize),
		done: make(chan struct{}),
	}
}

func (v *wsViewer) ID() string { return v.id }

// Send never blocks.  It fails when the queue is full or the viewer
// is gone.
func (v *wsViewer) Send(e event.Event) bool {
	select {
	case <-v.done:
		return false
	default:
	}
	select {
	case v.send <- e:
		return true
	default:
		return false
	}
}

func (v *wsViewer) close() {
	v.once.Do(func() {
		close(v.done)
	})
}

func (v *wsViewer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		v.conn.Close()
	}()

	for {
		select {
		case e := <-v.send:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteJSON(e); err != nil {
				v.log.Debugf("write failed: %v", err)
				v.close()
				return
			}
		case <-ticker.C:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				v.close()
				return
			}
		case <-v.done:
			v.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// readPump delivers commands to handle until the connection fails.
func (v *wsViewer) readPump(handle func(event.Command)) {
	v.conn.SetReadLimit(maxCommandSize)
	v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		v.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := v.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				v.log.Debugf("read failed: %v", err)
			}
			return
		}
		var cmd event.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			v.log.Debugf("ignoring malformed command: %v", err)
			continue
		}
		handle(cmd)
	}
}
