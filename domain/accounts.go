package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Profile is a local actor. It owns the RSA key pair used to sign outgoing requests.
type Profile struct {
	Id                        uuid.UUID
	Username                  string
	DisplayName               string
	Summary                   string
	PublicKeyPem              string
	PrivateKeyPem             string
	ManuallyApprovesFollowers bool
	System                    bool // the instance actor used for signed fetches
	CreatedAt                 time.Time
}

func (p *Profile) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tSystem: %t \n\tCREATED_AT: %s)", p.Id, p.Username, p.System, p.CreatedAt)
}
