package domain

// UserContact is what the relay knows about one registered user, keyed by email.
// NotificationAddress may rotate; PublicKey never changes once registered.
type UserContact struct {
	NotificationAddress string `json:"notification_key"`
	PublicKey           string `json:"public_key"` // Base64 X.509 SubjectPublicKeyInfo
}

// MemberInfo describes one group member in create/add responses
type MemberInfo struct {
	Email           string `json:"email"`
	PublicKey       string `json:"public_key"`
	NotificationKey string `json:"notification_key"`
}

// GroupRecord is a snapshot of a registered group
type GroupRecord struct {
	GroupID     string   `json:"group_id"`
	Members     []string `json:"members"`                // Sorted member emails
	RemoteToken string   `json:"remote_token,omitempty"` // Device group notification_key, when created remotely
}
