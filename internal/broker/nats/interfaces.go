package nats

import (
	"github.com/nats-io/nats.go"
)

// connection is the part of *nats.Conn the backend uses
type connection interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	ConnectedUrl() string
	Close()
}

// connectFunc opens a connection; the default wraps nats.Connect
type connectFunc func(url string, opts ...nats.Option) (connection, error)

func natsConnect(url string, opts ...nats.Option) (connection, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return nc, nil
}
