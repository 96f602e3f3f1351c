package chat

import (
	"strconv"
	"strings"
)

// DisplayName resolves the name shown for a chat. The server-assigned name wins; chats without
// one fall back to the comma-joined display names of their members, the way older servers
// expected clients to label them.
func DisplayName(c Chat, users map[int64]Identity) string {
	if name := strings.TrimSpace(c.Name); name != "" {
		return name
	}
	if len(c.Members) == 0 {
		return "#" + formatID(c.ID)
	}
	parts := make([]string, 0, len(c.Members))
	for _, id := range c.Members {
		u, ok := users[id]
		switch {
		case ok && u.DisplayName != "":
			parts = append(parts, u.DisplayName)
		case ok && u.Email != "":
			parts = append(parts, u.Email)
		default:
			parts = append(parts, "#"+formatID(id))
		}
	}
	return strings.Join(parts, ",")
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
