package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

// Poster delivers one inbound message to the desk
type Poster interface {
	Send(ctx context.Context, msg types.InboundMessage) error
}

// ChannelRate holds the message generation rate for one channel.
type ChannelRate struct {
	MessagesPerMin float64
}

// TrafficStats counts what the generator produced
type TrafficStats struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

// TrafficGenerator produces patient messages at configurable per-channel
// rates. A share of messages comes from patients who already wrote, so the
// desk sees follow-ups on open conversations as well as new ones.
type TrafficGenerator struct {
	mu         sync.RWMutex
	rates      map[types.ChannelType]ChannelRate
	factor     float64
	returnRate float64

	poolMu sync.Mutex
	pool   map[types.ChannelType][]types.Sender

	poster Poster
	sent   atomic.Int64
	failed atomic.Int64
	logger zerolog.Logger
}

// NewTrafficGenerator creates a generator with default channel rates.
func NewTrafficGenerator(poster Poster, logger zerolog.Logger) *TrafficGenerator {
	return &TrafficGenerator{
		rates:      defaultRates(),
		factor:     1.0,
		returnRate: 0.3,
		pool:       make(map[types.ChannelType][]types.Sender),
		poster:     poster,
		logger:     logger,
	}
}

func defaultRates() map[types.ChannelType]ChannelRate {
	return map[types.ChannelType]ChannelRate{
		types.ChannelWhatsApp:  {MessagesPerMin: 12},
		types.ChannelInstagram: {MessagesPerMin: 4},
		types.ChannelFacebook:  {MessagesPerMin: 2},
		types.ChannelEmail:     {MessagesPerMin: 3},
		types.ChannelSite:      {MessagesPerMin: 6},
	}
}

// SetRate updates the rate for a single channel.
func (g *TrafficGenerator) SetRate(channel types.ChannelType, rate ChannelRate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rates[channel] = rate
}

// SetFactor scales every channel rate. 1.0 = normal rate, 2.0 = double rate.
func (g *TrafficGenerator) SetFactor(factor float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.factor = factor
}

// SetReturnRate sets the probability that a message comes from a known patient.
func (g *TrafficGenerator) SetReturnRate(p float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.returnRate = p
}

// Rates returns a copy of the per-channel rates and the current factor.
func (g *TrafficGenerator) Rates() (map[types.ChannelType]ChannelRate, float64) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[types.ChannelType]ChannelRate, len(g.rates))
	for ch, r := range g.rates {
		out[ch] = r
	}
	return out, g.factor
}

// Stats returns the send counters
func (g *TrafficGenerator) Stats() TrafficStats {
	return TrafficStats{Sent: g.sent.Load(), Failed: g.failed.Load()}
}

// Run generates messages for every configured channel until ctx is
// cancelled. It blocks until all channel goroutines finish.
func (g *TrafficGenerator) Run(ctx context.Context) {
	var wg sync.WaitGroup

	g.mu.RLock()
	channels := make([]types.ChannelType, 0, len(g.rates))
	for ch := range g.rates {
		channels = append(channels, ch)
	}
	g.mu.RUnlock()

	for i, ch := range channels {
		wg.Add(1)
		go func(ch types.ChannelType, seed int64) {
			defer wg.Done()
			g.runChannel(ctx, ch, seed)
		}(ch, time.Now().UnixNano()+int64(i))
	}

	wg.Wait()
}

func (g *TrafficGenerator) runChannel(ctx context.Context, channel types.ChannelType, seed int64) {
	rng := rand.New(rand.NewSource(seed))

	for {
		g.mu.RLock()
		rate := g.rates[channel].MessagesPerMin * g.factor
		g.mu.RUnlock()

		if rate <= 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(jitteredInterval(rate, rng)):
		}

		if err := g.SendOne(ctx, channel, rng); err != nil && ctx.Err() == nil {
			g.logger.Warn().Err(err).Str("channel", string(channel)).Msg("failed to send simulated message")
		}
	}
}

// jitteredInterval turns a per-minute rate into a wait with +/-25% jitter.
func jitteredInterval(perMin float64, rng *rand.Rand) time.Duration {
	base := time.Duration(float64(time.Minute) / perMin)
	jitter := 0.75 + rng.Float64()*0.5
	return time.Duration(float64(base) * jitter)
}

// SendOne builds and posts a single message on the given channel.
func (g *TrafficGenerator) SendOne(ctx context.Context, channel types.ChannelType, rng *rand.Rand) error {
	g.mu.RLock()
	returning := rng.Float64() < g.returnRate
	g.mu.RUnlock()

	sender := g.pickSender(channel, returning, rng)
	msg := types.InboundMessage{
		ID:        uuid.NewString(),
		Channel:   channel,
		Sender:    sender,
		Content:   pickContent(rng),
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]any{"source": "desksim"},
	}

	if err := g.poster.Send(ctx, msg); err != nil {
		g.failed.Add(1)
		return err
	}
	g.sent.Add(1)
	return nil
}

func (g *TrafficGenerator) pickSender(channel types.ChannelType, returning bool, rng *rand.Rand) types.Sender {
	g.poolMu.Lock()
	defer g.poolMu.Unlock()

	known := g.pool[channel]
	if returning && len(known) > 0 {
		return known[rng.Intn(len(known))]
	}

	s := newSender(channel, rng)
	g.pool[channel] = append(known, s)
	return s
}

var firstNames = []string{"Ana", "Bruno", "Carla", "Diego", "Elisa", "Fabio", "Giulia", "Heitor", "Iara", "Joao"}
var lastNames = []string{"Silva", "Souza", "Costa", "Lima", "Pereira", "Almeida", "Rocha", "Mendes"}

func newSender(channel types.ChannelType, rng *rand.Rand) types.Sender {
	first := firstNames[rng.Intn(len(firstNames))]
	last := lastNames[rng.Intn(len(lastNames))]
	s := types.Sender{
		ID:   uuid.NewString(),
		Name: first + " " + last,
	}

	switch channel {
	case types.ChannelWhatsApp:
		s.Phone = fmt.Sprintf("+55119%08d", rng.Intn(100000000))
	case types.ChannelEmail:
		s.Email = fmt.Sprintf("%s.%s%d@example.com", strings.ToLower(first), strings.ToLower(last), rng.Intn(1000))
	case types.ChannelInstagram, types.ChannelFacebook:
		s.Handle = fmt.Sprintf("@%s_%s%d", strings.ToLower(first), strings.ToLower(last), rng.Intn(100))
	}
	return s
}

type contentWeight struct {
	text   string
	weight float64
}

var contents = []contentWeight{
	{text: "Hi, I'd like to book an appointment", weight: 5},
	{text: "Can I reschedule my consultation?", weight: 3},
	{text: "What are your opening hours?", weight: 3},
	{text: "Do you accept my health insurance?", weight: 2},
	{text: "I need a copy of my exam results", weight: 2},
	{text: "This is urgent, I have a lot of pain", weight: 1},
}

// pickContent returns a message text weighted by how common it is.
func pickContent(rng *rand.Rand) string {
	var total float64
	for _, c := range contents {
		total += c.weight
	}
	r := rng.Float64() * total
	var cumulative float64
	for _, c := range contents {
		cumulative += c.weight
		if r < cumulative {
			return c.text
		}
	}
	return contents[len(contents)-1].text
}
