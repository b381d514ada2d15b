package channel

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

var idPrefixes = map[types.ChannelType]string{
	types.ChannelWhatsApp:  "wa",
	types.ChannelInstagram: "ig",
	types.ChannelFacebook:  "fb",
	types.ChannelEmail:     "em",
	types.ChannelSite:      "st",
}

// LoopbackAdapter accepts every send locally and hands back a generated
// message id. It stands in for a channel when no broker is configured.
type LoopbackAdapter struct {
	*base
	logger zerolog.Logger
}

// NewLoopbackAdapter creates a loopback adapter for a channel type
func NewLoopbackAdapter(t types.ChannelType, logger zerolog.Logger) *LoopbackAdapter {
	return &LoopbackAdapter{
		base:   newBase(t),
		logger: logger.With().Str("channel", string(t)).Logger(),
	}
}

func (a *LoopbackAdapter) Send(ctx context.Context, to, content string) types.SendOutcome {
	if err := ctx.Err(); err != nil {
		return types.SendOutcome{Error: err.Error()}
	}
	if to == "" {
		return types.SendOutcome{Error: "destination is required"}
	}

	id := externalID(a.typ)
	a.touch()
	a.logger.Info().
		Str("to", to).
		Str("external_id", id).
		Int("length", len(content)).
		Msg("message sent")

	return types.SendOutcome{Success: true, ExternalMessageID: id}
}

func (a *LoopbackAdapter) Status(context.Context) types.ChannelStatus {
	return a.status()
}

func externalID(t types.ChannelType) string {
	prefix, ok := idPrefixes[t]
	if !ok {
		prefix = string(t)
	}
	return fmt.Sprintf("%s_%d_%06d", prefix, time.Now().UnixMilli(), rand.Intn(1000000))
}
