package stream

import "strings"

// Observer receives connection notifications. Calls are serialized per
// Connection and never happen after Destroy. Implementations must not call
// Initialize or Reconnect synchronously from a callback.
type Observer interface {
	OnError(message string)
	OnLoading(loading bool)
	OnReady()
	OnConnectionLost()
	OnReconnecting()
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Error          func(message string)
	Loading        func(loading bool)
	Ready          func()
	ConnectionLost func()
	Reconnecting   func()
}

func (o ObserverFuncs) OnError(message string) {
	if o.Error != nil {
		o.Error(message)
	}
}

func (o ObserverFuncs) OnLoading(loading bool) {
	if o.Loading != nil {
		o.Loading(loading)
	}
}

func (o ObserverFuncs) OnReady() {
	if o.Ready != nil {
		o.Ready()
	}
}

func (o ObserverFuncs) OnConnectionLost() {
	if o.ConnectionLost != nil {
		o.ConnectionLost()
	}
}

func (o ObserverFuncs) OnReconnecting() {
	if o.Reconnecting != nil {
		o.Reconnecting()
	}
}

var benignMessages = []string{
	"play() request was interrupted",
	"play request was interrupted",
	"aborted by the user agent",
}

// IsBenign reports whether an error message describes an expected
// interruption that should not reach the user.
func IsBenign(message string) bool {
	m := strings.ToLower(message)
	for _, b := range benignMessages {
		if strings.Contains(m, b) {
			return true
		}
	}
	return false
}
