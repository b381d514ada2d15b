package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oclonee/omnichanel-clinic/internal/types"
)

// Ingestor accepts normalized inbound messages
type Ingestor interface {
	Ingest(msg types.InboundMessage)
}

// Adapter is the uniform contract for one communication channel. Adapters
// only touch their own channel; everything they receive goes to the attached
// Ingestor.
type Adapter interface {
	Type() types.ChannelType
	Name() string
	Active() bool

	// Send delivers content to a channel-specific destination. It never
	// retries and reports an unreachable channel as an unsuccessful outcome.
	Send(ctx context.Context, to, content string) types.SendOutcome

	// Receive hands a message from the channel's own transport to ingestion
	Receive(msg types.InboundMessage) error

	Status(ctx context.Context) types.ChannelStatus
	Attach(ingestor Ingestor)
}

// DisplayName returns the human name of a channel
func DisplayName(t types.ChannelType) string {
	switch t {
	case types.ChannelWhatsApp:
		return "WhatsApp Business"
	case types.ChannelInstagram:
		return "Instagram Direct"
	case types.ChannelFacebook:
		return "Facebook Messenger"
	case types.ChannelEmail:
		return "E-mail"
	case types.ChannelSite:
		return "Site Chat"
	default:
		return string(t)
	}
}

// base carries the state every adapter shares
type base struct {
	typ    types.ChannelType
	name   string
	active atomic.Bool

	mu           sync.RWMutex
	ingestor     Ingestor
	lastActivity time.Time
}

func newBase(t types.ChannelType) *base {
	b := &base{typ: t, name: DisplayName(t)}
	b.active.Store(true)
	return b
}

func (b *base) Type() types.ChannelType { return b.typ }
func (b *base) Name() string            { return b.name }
func (b *base) Active() bool            { return b.active.Load() }

// SetActive enables or disables the adapter for sends
func (b *base) SetActive(active bool) {
	b.active.Store(active)
}

func (b *base) Attach(ingestor Ingestor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ingestor = ingestor
}

func (b *base) touch() {
	b.mu.Lock()
	b.lastActivity = time.Now()
	b.mu.Unlock()
}

func (b *base) Receive(msg types.InboundMessage) error {
	if msg.Channel == "" {
		msg.Channel = b.typ
	}
	if msg.Channel != b.typ {
		return fmt.Errorf("%s adapter received a %s message", b.typ, msg.Channel)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.RLock()
	ingestor := b.ingestor
	b.mu.RUnlock()
	if ingestor == nil {
		return fmt.Errorf("%s adapter is not attached", b.typ)
	}

	b.touch()
	ingestor.Ingest(msg)
	return nil
}

func (b *base) status() types.ChannelStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := types.ChannelStatus{Online: b.active.Load()}
	if !b.lastActivity.IsZero() {
		at := b.lastActivity
		st.LastActivity = &at
	}
	return st
}
