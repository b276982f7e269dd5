package client

import "errors"

// ErrEmptyHost is returned by New when Config.BrokerHost is empty.
var ErrEmptyHost = errors.New("client: broker host must not be empty")

// ErrZeroPort is returned by New when Config.BrokerPort is 0.
var ErrZeroPort = errors.New("client: broker port must not be zero")

// ErrEmptyTopic is a StateError (spec.md §7): register or publish with an
// empty topic.
var ErrEmptyTopic = errors.New("client: topic must not be empty")

// ErrDuplicatePublisher is a StateError: create_publisher called twice for
// the same topic on one Client. This implementation's resolution of the
// "duplicate topics replace or error" ambiguity (spec.md §4.4) is to error,
// so a caller never silently loses track of the first socket.
var ErrDuplicatePublisher = errors.New("client: publisher already registered for topic")

// ErrDuplicateSubscriber mirrors ErrDuplicatePublisher for subscribers.
var ErrDuplicateSubscriber = errors.New("client: subscriber already registered for topic")

// ErrUnknownTopic is a StateError: publish on a topic with no registered
// publisher.
var ErrUnknownTopic = errors.New("client: no publisher registered for topic")

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("client: closed")
