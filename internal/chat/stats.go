package chat

import "time"

// Stats are aggregates over a conversation list.
type Stats struct {
	Total   int `json:"total"`
	Unread  int `json:"unread"`
	Pending int `json:"pending"`
	Today   int `json:"today"`
}

// ComputeStats derives Stats from convs. Unread counts conversations with
// at least one unread message; Today counts conversations updated on the
// calendar day of now, in now's location.
func ComputeStats(convs []Conversation, now time.Time) Stats {
	y, m, d := now.Date()
	var s Stats
	for _, c := range convs {
		s.Total++
		if c.UnreadCount > 0 {
			s.Unread++
		}
		if c.Status == StatusPendingResponse {
			s.Pending++
		}
		cy, cm, cd := c.UpdatedAt.In(now.Location()).Date()
		if cy == y && cm == m && cd == d {
			s.Today++
		}
	}
	return s
}
