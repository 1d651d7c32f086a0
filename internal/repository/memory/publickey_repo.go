package memory

import (
	"sync"

	"go.uber.org/zap"

	"e2ee-relay/internal/domain"
	"e2ee-relay/pkg/metrics"
)

// PublicKeyRepository maps user emails to their contact details.
// Registration is at-most-once per email; only the notification address can
// change afterwards.
type PublicKeyRepository struct {
	mu       sync.RWMutex
	contacts map[string]domain.UserContact
	log      *zap.Logger
}

// NewPublicKeyRepository creates an empty PublicKeyRepository
func NewPublicKeyRepository(log *zap.Logger) *PublicKeyRepository {
	if log == nil {
		log = zap.NewNop()
	}
	return &PublicKeyRepository{
		contacts: make(map[string]domain.UserContact),
		log:      log,
	}
}

// MaybeAddPublicKey stores the contact for email unless one already exists.
// It reports whether the contact was stored.
func (r *PublicKeyRepository) MaybeAddPublicKey(email, notificationAddress, publicKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.contacts[email]; exists {
		r.log.Warn("Public key already registered, ignoring re-registration",
			zap.String("email", email))
		return false
	}

	r.contacts[email] = domain.UserContact{
		NotificationAddress: notificationAddress,
		PublicKey:           publicKey,
	}
	metrics.RelayRegisteredKeys.Set(float64(len(r.contacts)))
	return true
}

// GetPublicKey returns the registered public key of email
func (r *PublicKeyRepository) GetPublicKey(email string) (string, bool) {
	contact, ok := r.GetContact(email)
	if !ok {
		r.log.Warn("No public key registered", zap.String("email", email))
		return "", false
	}
	return contact.PublicKey, true
}

// GetNotificationKey returns the current notification address of email
func (r *PublicKeyRepository) GetNotificationKey(email string) (string, bool) {
	contact, ok := r.GetContact(email)
	if !ok {
		r.log.Warn("No notification key registered", zap.String("email", email))
		return "", false
	}
	return contact.NotificationAddress, true
}

// GetContact returns both fields of a contact as of a single point in time
func (r *PublicKeyRepository) GetContact(email string) (domain.UserContact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	contact, ok := r.contacts[email]
	return contact, ok
}

// UpdateNotificationKey rotates the notification address of an existing
// contact. The public key is left untouched.
func (r *PublicKeyRepository) UpdateNotificationKey(email, newAddress string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	contact, ok := r.contacts[email]
	if !ok {
		r.log.Warn("Cannot update notification key of unregistered user",
			zap.String("email", email))
		return false
	}

	contact.NotificationAddress = newAddress
	r.contacts[email] = contact
	return true
}

// Len returns the number of registered contacts
func (r *PublicKeyRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contacts)
}

// Reset drops every contact
func (r *PublicKeyRepository) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.contacts = make(map[string]domain.UserContact)
	metrics.RelayRegisteredKeys.Set(0)
}
