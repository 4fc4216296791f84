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

// Package broadcast fans events out to connected dashboard viewers.
package broadcast

import (
	"sync"

	"github.com/matta/inboxwatch/internal/event"
	"github.com/matta/inboxwatch/internal/logger"
)

// Viewer is one connected dashboard.
type Viewer interface {
	ID() string

	// Send queues e for delivery and reports whether it fit.  It
	// must not block.
	Send(e event.Event) bool
}

// Hub implements event.Emitter over the registered viewers.
type Hub struct {
	log logger.Logger

	mu      sync.RWMutex
	viewers map[string]Viewer
}

func NewHub(log logger.Logger) *Hub {
	return &Hub{log: log, viewers: make(map[string]Viewer)}
}

func (h *Hub) Register(v Viewer) {
	h.mu.Lock()
	h.viewers[v.ID()] = v
	n := len(h.viewers)
	h.mu.Unlock()
	h.log.Infof("viewer %s connected, %d connected", v.ID(), n)
}

func (h *Hub) Unregister(v Viewer) {
	h.mu.Lock()
	_, ok := h.viewers[v.ID()]
	delete(h.viewers, v.ID())
	n := len(h.viewers)
	h.mu.Unlock()
	if ok {
		h.log.Infof("viewer %s disconnected, %d connected", v.ID(), n)
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

// Emit offers e to every viewer.  A viewer whose queue is full misses
// the event.
func (h *Hub) Emit(e event.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, v := range h.viewers {
		if !v.Send(e) {
			h.log.Debugf("viewer %s queue full, dropped %s", id, e.Kind)
		}
	}
}
