package simulator

import (
	"fmt"
	"os"
	"time"

	"github.com/schoolconsole/notify-engine/types"
	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML fixture format:
//
//	users:
//	  - id: 42
//	    notifications:
//	      - title: Session moved
//	        message: Monday's session starts at 10:00
//	        type: session
//	        ageMinutes: 30
type SeedFile struct {
	Users []SeedUser `yaml:"users"`
}

// SeedUser lists the notifications stored for one user.
type SeedUser struct {
	ID            int64              `yaml:"id"`
	Notifications []SeedNotification `yaml:"notifications"`
}

// SeedNotification is one fixture notification. AgeMinutes backdates it.
type SeedNotification struct {
	ID         int64                  `yaml:"id"`
	Type       string                 `yaml:"type"`
	Title      string                 `yaml:"title"`
	Message    string                 `yaml:"message"`
	Read       bool                   `yaml:"read"`
	Channels   []string               `yaml:"channels"`
	Action     string                 `yaml:"action"`
	Link       string                 `yaml:"link"`
	LinkMethod string                 `yaml:"linkMethod"`
	AgeMinutes int                    `yaml:"ageMinutes"`
	Metadata   map[string]interface{} `yaml:"metadata"`
}

// LoadSeed reads and parses a seed file.
func LoadSeed(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed parses seed YAML. Users need a positive id.
func ParseSeed(data []byte) (*SeedFile, error) {
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, u := range seed.Users {
		if u.ID <= 0 {
			return nil, fmt.Errorf("seed user %d: id must be positive", i)
		}
	}
	return &seed, nil
}

// Apply stores every fixture notification and returns how many were added.
func (s *SeedFile) Apply(repo *Repository, now time.Time) int {
	added := 0
	for _, u := range s.Users {
		for _, sn := range u.Notifications {
			repo.Add(u.ID, sn.notification(now))
			added++
		}
	}
	return added
}

func (sn SeedNotification) notification(now time.Time) *types.Notification {
	n := &types.Notification{
		ID:        sn.ID,
		Type:      types.NotificationType(sn.Type),
		Title:     sn.Title,
		Message:   sn.Message,
		Read:      sn.Read,
		Metadata:  sn.Metadata,
		CreatedAt: now.Add(-time.Duration(sn.AgeMinutes) * time.Minute).UTC(),
	}
	if n.Type == "" {
		n.Type = types.NotificationTypeGeneral
	}
	for _, ch := range sn.Channels {
		n.Channels = append(n.Channels, types.Channel(ch))
	}
	if sn.Action != "" {
		n.Data = &types.ActionData{Action: sn.Action}
		if sn.Link != "" {
			n.Data.Link = &types.ResourceLink{Href: sn.Link, Method: sn.LinkMethod}
		}
	}
	return n
}
