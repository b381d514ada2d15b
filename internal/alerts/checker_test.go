package alerts

import (
	"testing"
	"time"

	"github.com/oclonee/omnichanel-clinic/internal/types"
)

func rules(a types.AgentPerformance) []string {
	out := make([]string, 0, len(a.Alerts))
	for _, alert := range a.Alerts {
		out = append(out, alert.Rule)
	}
	return out
}

func TestCheckAgentAlerts(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		agent types.AgentPerformance
		want  []string
	}{
		{
			name:  "healthy",
			agent: types.AgentPerformance{Online: true, CurrentLoad: 2, MaxCapacity: 5, Rating: 4.5, LastActivity: now},
			want:  []string{},
		},
		{
			name:  "full",
			agent: types.AgentPerformance{Online: true, CurrentLoad: 5, MaxCapacity: 5, Rating: 4.5, LastActivity: now},
			want:  []string{"at_capacity"},
		},
		{
			name:  "quiet and low rated",
			agent: types.AgentPerformance{Online: true, MaxCapacity: 5, Rating: 2.5, LastActivity: now.Add(-2 * time.Minute)},
			want:  []string{"quiet", "low_rating"},
		},
		{
			name:  "offline agents are not flagged",
			agent: types.AgentPerformance{Online: false, CurrentLoad: 5, MaxCapacity: 5, Rating: 1, LastActivity: now.Add(-time.Hour)},
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agents := []types.AgentPerformance{tt.agent}
			CheckAgentAlerts(agents, now)

			got := rules(agents[0])
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestCheckAgentAlertsResetsPrevious(t *testing.T) {
	now := time.Now()
	agents := []types.AgentPerformance{{
		Online:       true,
		MaxCapacity:  5,
		LastActivity: now,
		Alerts:       []types.AgentAlert{{Rule: "at_capacity"}},
	}}

	CheckAgentAlerts(agents, now)

	if len(agents[0].Alerts) != 0 {
		t.Errorf("expected stale alerts cleared, got %v", agents[0].Alerts)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{90 * time.Second, "1m30s"},
		{75 * time.Minute, "1h15m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("expected %s, got %s", tt.want, got)
		}
	}
}
