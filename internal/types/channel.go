package types

import (
	"errors"
	"fmt"
	"time"
)

// ChannelType identifies a communication medium
type ChannelType string

const (
	ChannelWhatsApp  ChannelType = "whatsapp"
	ChannelInstagram ChannelType = "instagram"
	ChannelFacebook  ChannelType = "facebook"
	ChannelEmail     ChannelType = "email"
	ChannelSite      ChannelType = "site"
)

// AllChannels lists every supported channel type
var AllChannels = []ChannelType{
	ChannelWhatsApp,
	ChannelInstagram,
	ChannelFacebook,
	ChannelEmail,
	ChannelSite,
}

// Valid reports whether c is one of the supported channel types
func (c ChannelType) Valid() bool {
	for _, known := range AllChannels {
		if c == known {
			return true
		}
	}
	return false
}

// Sender is the external party behind an inbound message
type Sender struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Phone  string `json:"phone,omitempty"`
	Email  string `json:"email,omitempty"`
	Handle string `json:"handle,omitempty"`
}

// Contact returns the channel-addressable destination for replies
func (s Sender) Contact() string {
	switch {
	case s.Phone != "":
		return s.Phone
	case s.Email != "":
		return s.Email
	case s.Handle != "":
		return s.Handle
	default:
		return s.ID
	}
}

// InboundMessage is the normalized shape every channel transport delivers
type InboundMessage struct {
	ID        string         `json:"id,omitempty"`
	Channel   ChannelType    `json:"channel"`
	Sender    Sender         `json:"sender"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

var (
	errMissingSender  = errors.New("sender id is required")
	errMissingContent = errors.New("content is required")
)

// Validate checks the fields the dispatch path depends on
func (m InboundMessage) Validate() error {
	if !m.Channel.Valid() {
		return fmt.Errorf("unknown channel %q", m.Channel)
	}
	if m.Sender.ID == "" {
		return errMissingSender
	}
	if m.Content == "" {
		return errMissingContent
	}
	return nil
}

// OutboundMessage is what a channel transport receives for delivery
type OutboundMessage struct {
	ID      string      `json:"id"`
	Channel ChannelType `json:"channel"`
	To      string      `json:"to"`
	Content string      `json:"content"`
}

// SendOutcome is the result of a single outbound send
type SendOutcome struct {
	Success           bool   `json:"success"`
	ExternalMessageID string `json:"externalMessageId,omitempty"`
	Error             string `json:"error,omitempty"`
}

// ChannelStatus is a side-effect-free liveness probe result
type ChannelStatus struct {
	Online       bool       `json:"online"`
	LastActivity *time.Time `json:"lastActivity,omitempty"`
}

// ChannelInfo describes a registered adapter
type ChannelInfo struct {
	Type   ChannelType   `json:"type"`
	Name   string        `json:"name"`
	Active bool          `json:"active"`
	Status ChannelStatus `json:"status"`
}
