package domain

import (
	"time"
)

// UserProfile links a wallet address to the agents it owns.
// The ID is the lower-cased address. Agents is in creation order and may
// reference ids that no longer resolve; readers drop those.
type UserProfile struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Agents    []string  `json:"agents"`
	CreatedAt time.Time `json:"created_at"`
}

// OwnsAgent reports whether the profile lists the given agent id.
func (u *UserProfile) OwnsAgent(agentID string) bool {
	for _, id := range u.Agents {
		if id == agentID {
			return true
		}
	}
	return false
}
