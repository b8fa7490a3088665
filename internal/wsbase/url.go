// Package wsbase holds the URL, auth and HTTP helpers shared by the socket
// clients and the development backend.
package wsbase

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SocketURL builds <wsBase>/ws/<path>/?token=<token>&_t=<unix millis>.
// The _t parameter defeats intermediary caches on reconnect.
func SocketURL(wsBase, path, token string, now time.Time) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("wsbase: empty access token")
	}
	base, err := url.Parse(strings.TrimRight(wsBase, "/"))
	if err != nil {
		return "", fmt.Errorf("wsbase: parse base %q: %w", wsBase, err)
	}
	switch base.Scheme {
	case "ws", "wss":
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	default:
		return "", fmt.Errorf("wsbase: unsupported scheme %q", base.Scheme)
	}
	base.Path = base.Path + "/ws/" + strings.Trim(path, "/") + "/"
	q := url.Values{}
	q.Set("token", token)
	q.Set("_t", strconv.FormatInt(now.UnixMilli(), 10))
	base.RawQuery = q.Encode()
	return base.String(), nil
}
