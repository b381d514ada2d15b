package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	errPoolClosed = errors.New("channel pool closed")
	errConnClosed = errors.New("amqp connection closed")
)

// channelPool keeps a bounded number of publishing channels open.
// len(permits) equals the number of live channels, idle or borrowed.
type channelPool struct {
	conn    *amqp.Connection
	idle    chan *amqp.Channel
	permits chan struct{}

	closed atomic.Bool
	openMu sync.Mutex
}

func newChannelPool(conn *amqp.Connection, capacity int) *channelPool {
	return &channelPool{
		conn:    conn,
		idle:    make(chan *amqp.Channel, capacity),
		permits: make(chan struct{}, capacity),
	}
}

func (p *channelPool) borrow(ctx context.Context, retry time.Duration) (*amqp.Channel, error) {
	for {
		if p.closed.Load() {
			return nil, errPoolClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case ch, ok := <-p.idle:
			if !ok {
				return nil, errPoolClosed
			}
			if !ch.IsClosed() {
				return ch, nil
			}
			// dead channel: reuse its permit for a fresh one
			fresh, err := p.open()
			if err != nil {
				<-p.permits
				return nil, err
			}
			return fresh, nil

		default:
		}

		if p.conn.IsClosed() {
			return nil, errConnClosed
		}

		select {
		case p.permits <- struct{}{}:
			ch, err := p.open()
			if err != nil {
				<-p.permits
				return nil, err
			}
			return ch, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry):
		}
	}
}

func (p *channelPool) give(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	if p.closed.Load() || ch.IsClosed() {
		safeClose(ch)
		p.releasePermit()
		return
	}
	select {
	case p.idle <- ch:
	default:
		safeClose(ch)
		p.releasePermit()
	}
}

func (p *channelPool) close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.idle)
	for ch := range p.idle {
		safeClose(ch)
		p.releasePermit()
	}
}

func (p *channelPool) releasePermit() {
	select {
	case <-p.permits:
	default:
	}
}

func (p *channelPool) open() (*amqp.Channel, error) {
	p.openMu.Lock()
	defer p.openMu.Unlock()
	if p.conn.IsClosed() {
		return nil, errConnClosed
	}
	return p.conn.Channel()
}

func safeClose(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	defer func() { _ = recover() }()
	_ = ch.Close()
}
