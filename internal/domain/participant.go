package domain

// Profile is lazily fetched presentation meta-data. Every field may be
// empty; the UI renders fallback initials in that case.
type Profile struct {
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatar,omitempty"`
	BannerURL   string `json:"banner,omitempty"`
}

// Participant is one human in a voice channel. A roster holds exactly one
// Participant per distinct UserID regardless of how many tabs (transport
// IDs) that user joined from.
type Participant struct {
	UserID     UserID        `json:"id"`
	Transports []TransportID `json:"-"`
	Profile    Profile       `json:"profile"`
	Local      bool          `json:"local"`
}
