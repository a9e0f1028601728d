package model

import "time"

// ResourceRef identifies the shared resource a connection is actively viewing.
// ChannelID is the broadcast scope the resource belongs to (usually the
// workspace channel the connection subscribed to before joining).
type ResourceRef struct {
	ResourceID   string `json:"resourceId"`
	ResourceType string `json:"resourceType"`
	ChannelID    string `json:"channelId,omitempty"`
}

// Equal reports whether two refs point at the same resource, ignoring scope.
func (r ResourceRef) Equal(other ResourceRef) bool {
	return r.ResourceID == other.ResourceID && r.ResourceType == other.ResourceType
}

// PresenceRecord describes one user viewing one resource. Records are derived
// from live connections and are never persisted.
type PresenceRecord struct {
	ResourceID   string    `json:"resourceId"`
	ResourceType string    `json:"resourceType"`
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName"`
	UserColor    string    `json:"userColor,omitempty"`
	JoinedAt     time.Time `json:"joinedAt"`
}
