package ws

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	apperrors "github.com/schoolconsole/notify-engine/errors"
)

// FramedPath is the upgrade path used by framed-mode servers.
const FramedPath = "/socket.io/"

// dialTarget resolves endpoint into the websocket URL to dial. http(s) endpoints
// select framed mode, ws(s) endpoints raw mode.
func dialTarget(endpoint, token string, userID int64) (string, bool, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, apperrors.ValidationFailed("invalid push endpoint", err.Error())
	}

	framed := false
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
		framed = true
	case "https":
		u.Scheme = "wss"
		framed = true
	default:
		return "", false, apperrors.ValidationFailed("invalid push endpoint",
			fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return "", false, apperrors.ValidationFailed("invalid push endpoint", "missing host")
	}

	q := u.Query()
	if framed {
		u.Path = strings.TrimRight(u.Path, "/") + FramedPath
		q.Set("EIO", "4")
		q.Set("transport", "websocket")
	}
	q.Set("token", token)
	q.Set("userId", strconv.FormatInt(userID, 10))
	u.RawQuery = q.Encode()

	return u.String(), framed, nil
}
