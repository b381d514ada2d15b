package types

import "time"

// AgentRole is the tier of a human operator
type AgentRole string

const (
	RoleAttendant AgentRole = "attendant"
	RoleManager   AgentRole = "manager"
	RoleAdmin     AgentRole = "admin"
)

const (
	// DefaultRating applies when the store has no quality rating for an agent
	DefaultRating = 4.5

	attendantCapacity = 5
	managerCapacity   = 8
)

// DefaultCapacity returns the concurrent conversation limit for a role
func DefaultCapacity(role AgentRole) int {
	if role == RoleManager {
		return managerCapacity
	}
	return attendantCapacity
}

// Supervises reports whether the role receives escalation notifications
func (r AgentRole) Supervises() bool {
	return r == RoleManager || r == RoleAdmin
}

// AgentProfile is the durable agent record
type AgentProfile struct {
	ID           string    `json:"id" dynamodbav:"ID"`
	Name         string    `json:"name" dynamodbav:"Name"`
	Role         AgentRole `json:"role" dynamodbav:"Role"`
	IsOnline     bool      `json:"isOnline" dynamodbav:"IsOnline"`
	LastActivity time.Time `json:"lastActivity" dynamodbav:"LastActivity"`
	MaxCapacity  int       `json:"maxCapacity,omitempty" dynamodbav:"MaxCapacity"`
	Rating       float64   `json:"rating,omitempty" dynamodbav:"Rating"`
}

// AgentState is the in-memory view of an agent's availability and load
type AgentState struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Role         AgentRole `json:"role"`
	Online       bool      `json:"online"`
	LastActivity time.Time `json:"lastActivity"`
	CurrentLoad  int       `json:"currentLoad"`
	Reserved     int       `json:"reserved"`
	MaxCapacity  int       `json:"maxCapacity"`
	Rating       float64   `json:"rating"`
}

// EffectiveLoad counts in-flight reservations as load
func (a AgentState) EffectiveLoad() int {
	return a.CurrentLoad + a.Reserved
}

// Available reports whether the agent can take one more conversation
func (a AgentState) Available() bool {
	return a.Online && a.EffectiveLoad() < a.MaxCapacity
}

// Utilization returns the load as a percentage of capacity
func (a AgentState) Utilization() float64 {
	if a.MaxCapacity <= 0 {
		return 0
	}
	return float64(a.CurrentLoad) / float64(a.MaxCapacity) * 100
}

// AgentPerformance is the supervisor view of one agent
type AgentPerformance struct {
	AgentID      string       `json:"agentId"`
	Name         string       `json:"name"`
	Role         AgentRole    `json:"role"`
	Online       bool         `json:"online"`
	CurrentLoad  int          `json:"currentLoad"`
	MaxCapacity  int          `json:"maxCapacity"`
	Utilization  float64      `json:"utilization"`
	Rating       float64      `json:"rating"`
	LastActivity time.Time    `json:"lastActivity"`
	Alerts       []AgentAlert `json:"alerts,omitempty"`
}

// AgentAlert flags an agent that needs a supervisor's attention
type AgentAlert struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Performance summarizes the state for supervisors
func (a AgentState) Performance() AgentPerformance {
	return AgentPerformance{
		AgentID:      a.ID,
		Name:         a.Name,
		Role:         a.Role,
		Online:       a.Online,
		CurrentLoad:  a.CurrentLoad,
		MaxCapacity:  a.MaxCapacity,
		Utilization:  a.Utilization(),
		Rating:       a.Rating,
		LastActivity: a.LastActivity,
	}
}
