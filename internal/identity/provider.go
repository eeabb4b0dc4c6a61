package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidToken is returned when a token cannot be resolved.
var ErrInvalidToken = errors.New("invalid identity token")

// Principal is the resolved identity of a connecting device. The sync core
// does not perform authentication itself; it only needs a stable
// participant ID and a display name.
type Principal struct {
	ParticipantID string
	DisplayName   string
}

// Provider resolves a presented token to a Principal.
type Provider interface {
	Resolve(ctx context.Context, token string) (Principal, error)
}

// devNamespace seeds deterministic participant IDs for the dev provider.
var devNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// DevProvider derives a stable participant ID from the raw token. Tokens of
// the form "name:secret" use the name part as the display name. Suitable
// only for development; production deployments plug in a real identity
// backend.
type DevProvider struct{}

func (DevProvider) Resolve(_ context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrInvalidToken
	}

	name := token
	if i := strings.IndexByte(token, ':'); i > 0 {
		name = token[:i]
	}

	return Principal{
		ParticipantID: uuid.NewSHA1(devNamespace, []byte(token)).String(),
		DisplayName:   name,
	}, nil
}
