package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Size is the length in bytes of every identifier.
const Size = 32

var ErrMalformed = errors.New("malformed identifier")

// ID is a 256-bit opaque identifier. It names nomads and, separately,
// identities derived from caller secrets.
type ID [Size]byte

func Parse(s string) (ID, error) {
	var id ID
	if len(s) != 2*Size {
		return id, fmt.Errorf("%w: expected %d hex characters, got %d", ErrMalformed, 2*Size, len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return id, nil
}

func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Random returns a fresh identifier from the system random source.
func Random() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Errorf("failed to read random bytes: %w", err))
	}
	return id
}

// FromString hashes an arbitrary string into an identifier.
func FromString(s string) ID {
	return sha256.Sum256([]byte(s))
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ID) Bytes() []byte {
	return id[:]
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

var (
	_ json.Marshaler   = Secret{}
	_ json.Unmarshaler = (*Secret)(nil)
)

// Secret is held by a caller and never stored on the server. Only its
// one-way Identity is ever compared.
type Secret struct {
	data ID
}

func NewSecret() Secret {
	return Secret{data: Random()}
}

func ParseSecret(s string) (Secret, error) {
	id, err := Parse(s)
	if err != nil {
		return Secret{}, err
	}
	return Secret{data: id}, nil
}

// Identity derives the caller identity: sha256 over the secret bytes.
func (s Secret) Identity() ID {
	return sha256.Sum256(s.data[:])
}

func (s Secret) String() string {
	return s.data.String()
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.data.String())
}

func (s *Secret) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseSecret(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
