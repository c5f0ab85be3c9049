package simulator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/schoolconsole/notify-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedYAML = `
users:
  - id: 42
    notifications:
      - title: Welcome
        message: Your account is ready
        read: true
        ageMinutes: 120
      - title: Confirm participation
        message: Chess club on Friday
        type: participation
        channels: [list, popup]
        action: confirm_participation
        link: /sessions/9/participation
        ageMinutes: 5
  - id: 7
    notifications:
      - title: Payment received
        type: payment
`

func TestParseSeedAndApply(t *testing.T) {
	seed, err := ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	require.Len(t, seed.Users, 2)

	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	repo := NewRepository()
	assert.Equal(t, 3, seed.Apply(repo, now))

	page := repo.List(42, 1, 20)
	require.Len(t, page.Notifications, 2)

	action := page.Notifications[0]
	assert.Equal(t, "Confirm participation", action.Title)
	assert.Equal(t, types.NotificationTypeParticipation, action.Type)
	assert.True(t, action.HasChannel(types.ChannelPopup))
	require.True(t, action.IsActionable())
	assert.Equal(t, "/sessions/9/participation", action.Data.Link.Href)
	assert.Equal(t, now.Add(-5*time.Minute), action.CreatedAt)

	welcome := page.Notifications[1]
	assert.True(t, welcome.Read)
	assert.Equal(t, types.NotificationTypeGeneral, welcome.Type)

	assert.Equal(t, 1, repo.UnreadCount(42))
	assert.Equal(t, 1, repo.UnreadCount(7))
}

func TestParseSeed_Invalid(t *testing.T) {
	_, err := ParseSeed([]byte("users:\n  - id: 0\n"))
	assert.Error(t, err)

	_, err = ParseSeed([]byte("users: [unterminated"))
	assert.Error(t, err)
}

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	seed, err := LoadSeed(path)
	require.NoError(t, err)
	assert.Len(t, seed.Users, 2)

	_, err = LoadSeed(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
