package domain

// PolicyScope names the channel a volume/mute map belongs to.
type PolicyScope struct {
	ServerID  string
	ChannelID string
}

// ChannelPolicy is the persisted per-channel audio policy. The wire/disk
// form is a flat JSON object so it round-trips with what the web client
// kept in local storage.
type ChannelPolicy struct {
	UserVolumes map[UserID]int `json:"userVolumes"`
	MutedUsers  []UserID       `json:"mutedUsers"`
}

func NewChannelPolicy() ChannelPolicy {
	return ChannelPolicy{UserVolumes: make(map[UserID]int), MutedUsers: nil}
}
