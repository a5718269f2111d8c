package bus

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
)

const (
	ControlStart = "monitoring.control.start"
	ControlStop  = "monitoring.control.stop"
)

// ControlCommand lets other services start or stop monitoring over NATS.
type ControlCommand struct {
	NetworkID       string  `json:"networkId"`
	IntervalMinutes float64 `json:"intervalMinutes,omitempty"`
	TopologyRef     string  `json:"topologyRef,omitempty"`
}

type Subscriber struct {
	Conn *nats.Conn
}

func NewSubscriber(url string) (*Subscriber, error) {
	conn, err := nats.Connect(url, nats.Name("hydrotwin-control"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	return &Subscriber{Conn: conn}, nil
}

func (s *Subscriber) Close() {
	if s.Conn != nil {
		s.Conn.Drain()
		s.Conn.Close()
	}
}

// Subscribe decodes control commands on subject. Malformed payloads are passed
// to onError and otherwise dropped.
func (s *Subscriber) Subscribe(subject string, handler func(ControlCommand), onError func(error)) (*nats.Subscription, error) {
	return s.Conn.Subscribe(subject, func(msg *nats.Msg) {
		cmd, err := DecodeControl(msg.Data)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		handler(cmd)
	})
}

func DecodeControl(data []byte) (ControlCommand, error) {
	var cmd ControlCommand
	err := json.Unmarshal(data, &cmd)
	return cmd, err
}
