// Package signal implements the event-based signalling interface between the
// proxy core and external observers. The core only emits events; it never
// reads them back.
package signal

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Envelope is a wrapper around an event payload identifying its type.
type Envelope struct {
	Type  string      `json:"type"`
	Event interface{} `json:"event"`
}

// NotificationHandler defines a handler able to process incoming events.
// Events are encoded as JSON strings.
type NotificationHandler func(jsonEvent string)

var (
	handlerMu sync.RWMutex
	handler   NotificationHandler
	logger    = zap.NewNop()
)

// SetDefaultNotificationHandler sets the handler to invoke on send.
func SetDefaultNotificationHandler(fn NotificationHandler) {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	handler = fn
}

// ResetDefaultNotificationHandler drops the registered handler.
func ResetDefaultNotificationHandler() {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	handler = nil
}

// SetLogger replaces the logger used to report marshalling problems.
func SetLogger(l *zap.Logger) {
	if l != nil {
		logger = l
	}
}

// send marshals the envelope and hands it to the registered handler, if any.
func send(typ string, event interface{}) {
	handlerMu.RLock()
	fn := handler
	handlerMu.RUnlock()
	if fn == nil {
		return
	}

	data, err := json.Marshal(&Envelope{Type: typ, Event: event})
	if err != nil {
		logger.Error("marshal signal", zap.String("type", typ), zap.Error(err))
		return
	}
	fn(string(data))
}
