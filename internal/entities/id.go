package entities

import "github.com/google/uuid"

// IDProvider mints globally unique identifiers without a server round trip.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// NewEntityIDFrom mints a fresh EntityID from the provider.
func NewEntityIDFrom(provider IDProvider) (EntityID, error) {
	raw, err := provider.NewID()
	if err != nil {
		return "", err
	}
	return NewEntityID(raw)
}
