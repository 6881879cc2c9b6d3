package events

import (
	"net"

	rocketmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// NewProducer creates and starts a RocketMQ producer. The nameserver host is
// resolved up front since the client does not accept hostnames.
func NewProducer(nameServer, group string, log logrus.FieldLogger) (rocketmq.Producer, error) {
	addr, err := resolve(nameServer)
	if err != nil {
		return nil, err
	}
	p, err := rocketmq.NewProducer(
		producer.WithNameServer([]string{addr}),
		producer.WithGroupName(group),
		producer.WithRetry(2),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create rocketmq producer")
	}
	if err := p.Start(); err != nil {
		return nil, errors.Wrap(err, "start rocketmq producer")
	}
	log.Infof("RocketMQ producer started (nameserver=%s, group=%s)", addr, group)
	return p, nil
}

func resolve(hostport string) (string, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", errors.Wrapf(err, "invalid nameserver address %q", hostport)
	}
	if net.ParseIP(host) != nil {
		return hostport, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return "", errors.Errorf("resolve nameserver %s: %v", host, err)
	}
	return net.JoinHostPort(ips[0].String(), port), nil
}
