package types

import (
	"time"
)

// NotificationType is the business category of a notification.
type NotificationType string

const (
	NotificationTypeSession       NotificationType = "session"
	NotificationTypeParticipation NotificationType = "participation"
	NotificationTypeSchedule      NotificationType = "schedule"
	NotificationTypeGroup         NotificationType = "group"
	NotificationTypePayment       NotificationType = "payment"
	NotificationTypeSystem        NotificationType = "system"
	NotificationTypeAnnouncement  NotificationType = "announcement"
	NotificationTypeGeneral       NotificationType = "general"
)

// Channel is a delivery channel tag.
type Channel string

const (
	ChannelList  Channel = "list"
	ChannelPopup Channel = "popup"
	ChannelRelay Channel = "relay"
)

// ResourceLink points at the backend resource an actionable notification operates on.
type ResourceLink struct {
	Href   string `json:"href"`
	Method string `json:"method,omitempty"`
}

// ActionData describes the command a notification asks the user to perform.
type ActionData struct {
	Action string        `json:"action"`
	Link   *ResourceLink `json:"link,omitempty"`
}

// LocalizedText is the optional localized variant of title and message.
type LocalizedText struct {
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
}

// Sender describes who triggered the notification.
type Sender struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Branch describes the school branch the notification belongs to.
type Branch struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Notification represents a user notification as delivered by the API or the push channel.
// ID is the deduplication key.
type Notification struct {
	ID        int64                  `json:"id"`
	Type      NotificationType       `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Localized *LocalizedText         `json:"localized,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Read      bool                   `json:"read"`
	Channels  []Channel              `json:"channels,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	Sender    *Sender                `json:"sender,omitempty"`
	Branch    *Branch                `json:"branch,omitempty"`
	Data      *ActionData            `json:"data,omitempty"`
}

// HasChannel reports whether the notification is tagged for the given channel.
func (n *Notification) HasChannel(ch Channel) bool {
	for _, c := range n.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// IsActionable reports whether the notification carries a command for the user.
func (n *Notification) IsActionable() bool {
	return n.Data != nil && n.Data.Action != ""
}

// Clone returns a copy that shares no mutable state with n.
func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	c := *n
	if n.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	if n.Channels != nil {
		c.Channels = append([]Channel(nil), n.Channels...)
	}
	if n.Localized != nil {
		l := *n.Localized
		c.Localized = &l
	}
	if n.Sender != nil {
		s := *n.Sender
		c.Sender = &s
	}
	if n.Branch != nil {
		b := *n.Branch
		c.Branch = &b
	}
	if n.Data != nil {
		d := *n.Data
		if n.Data.Link != nil {
			l := *n.Data.Link
			d.Link = &l
		}
		c.Data = &d
	}
	return &c
}

// Pagination is the pagination block returned by the listing endpoint.
type Pagination struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// NotificationPage is one page of the notification listing.
type NotificationPage struct {
	Notifications []*Notification `json:"notifications"`
	Pagination    Pagination      `json:"pagination"`
}
