package alerts

import (
	"fmt"
	"time"

	"github.com/oclonee/omnichanel-clinic/internal/types"
)

// Thresholds for the agent alert rules
const (
	QuietAfter  = 60 * time.Second
	LowRating   = 3.0
	atCapacity  = "at_capacity"
	quietOnline = "quiet"
	lowRating   = "low_rating"
)

// CheckAgentAlerts evaluates alert rules for a slice of agents,
// replacing each agent's Alerts field in place.
func CheckAgentAlerts(agents []types.AgentPerformance, now time.Time) {
	for i := range agents {
		agents[i].Alerts = nil
		if !agents[i].Online {
			continue
		}

		if agents[i].MaxCapacity > 0 && agents[i].CurrentLoad >= agents[i].MaxCapacity {
			agents[i].Alerts = append(agents[i].Alerts, types.AgentAlert{
				Rule:     atCapacity,
				Severity: types.SeverityWarning,
				Message:  fmt.Sprintf("Handling %d of %d conversations", agents[i].CurrentLoad, agents[i].MaxCapacity),
			})
		}

		if !agents[i].LastActivity.IsZero() {
			if dur := now.Sub(agents[i].LastActivity); dur > QuietAfter {
				agents[i].Alerts = append(agents[i].Alerts, types.AgentAlert{
					Rule:     quietOnline,
					Severity: types.SeverityWarning,
					Message:  fmt.Sprintf("No console activity for %s", formatDuration(dur)),
				})
			}
		}

		if agents[i].Rating > 0 && agents[i].Rating < LowRating {
			agents[i].Alerts = append(agents[i].Alerts, types.AgentAlert{
				Rule:     lowRating,
				Severity: types.SeverityInfo,
				Message:  fmt.Sprintf("Rating %.1f", agents[i].Rating),
			})
		}
	}
}

func formatDuration(d time.Duration) string {
	mins := int(d.Minutes())
	secs := int(d.Seconds()) % 60
	if mins >= 60 {
		hours := mins / 60
		mins = mins % 60
		return fmt.Sprintf("%dh%dm", hours, mins)
	}
	return fmt.Sprintf("%dm%ds", mins, secs)
}
