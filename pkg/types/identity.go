package types

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SiloAddress identifies one silo process: a network endpoint plus a
// generation number assigned when the process started. Two processes on
// the same endpoint at different times carry different generations and
// are distinct silos.
type SiloAddress struct {
	Endpoint   string `json:"endpoint"` // host:port
	Generation int32  `json:"generation"`
}

// NewSiloAddress returns an address for a silo starting now. Generations
// are derived from the start time so restarts on the same endpoint are
// strictly increasing.
func NewSiloAddress(endpoint string) SiloAddress {
	return SiloAddress{
		Endpoint:   endpoint,
		Generation: int32(time.Now().Unix() & 0x7FFFFFFF),
	}
}

// IsZero reports whether the address is unset.
func (s SiloAddress) IsZero() bool {
	return s.Endpoint == "" && s.Generation == 0
}

// Equal reports whether both endpoint and generation match.
func (s SiloAddress) Equal(o SiloAddress) bool {
	return s.Endpoint == o.Endpoint && s.Generation == o.Generation
}

// SameEndpoint reports whether two addresses share an endpoint,
// regardless of generation.
func (s SiloAddress) SameEndpoint(o SiloAddress) bool {
	return s.Endpoint == o.Endpoint
}

// Less orders addresses lexicographically by (endpoint, generation).
// Used as the deterministic tie-break for concurrent registrations.
func (s SiloAddress) Less(o SiloAddress) bool {
	if s.Endpoint != o.Endpoint {
		return s.Endpoint < o.Endpoint
	}
	return s.Generation < o.Generation
}

func (s SiloAddress) String() string {
	return fmt.Sprintf("%s@%d", s.Endpoint, s.Generation)
}

// ParseSiloAddress parses the "endpoint@generation" form produced by
// String.
func ParseSiloAddress(str string) (SiloAddress, error) {
	i := strings.LastIndexByte(str, '@')
	if i < 0 {
		return SiloAddress{}, fmt.Errorf("invalid silo address %q", str)
	}
	gen, err := strconv.ParseInt(str[i+1:], 10, 32)
	if err != nil {
		return SiloAddress{}, fmt.Errorf("invalid silo generation in %q: %w", str, err)
	}
	return SiloAddress{Endpoint: str[:i], Generation: int32(gen)}, nil
}

// Hash returns the silo's position on the consistent-hash ring.
func (s SiloAddress) Hash() uint32 {
	h := fnv.New32a()
	h.Write([]byte(s.String()))
	return h.Sum32()
}

// KeyKind discriminates the primary-key representations a grain identity
// may carry.
type KeyKind uint8

const (
	KeyUUID KeyKind = iota + 1
	KeyInt64
	KeyString
	KeyInt64Suffix
	KeyUUIDSuffix
)

// GrainID is the stable logical identity of a grain: a type tag plus a
// typed primary key. It is the unit of addressing; activations come and
// go but the GrainID is forever.
type GrainID struct {
	Type string  `json:"type"`
	Kind KeyKind `json:"kind"`
	UUID uuid.UUID `json:"uuid,omitempty"`
	Int  int64     `json:"int,omitempty"`
	Str  string    `json:"str,omitempty"` // string key, or suffix for the *Suffix kinds
}

// GrainUUID builds a grain identity with a 128-bit key.
func GrainUUID(grainType string, key uuid.UUID) GrainID {
	return GrainID{Type: grainType, Kind: KeyUUID, UUID: key}
}

// GrainInt builds a grain identity with a 64-bit integer key.
func GrainInt(grainType string, key int64) GrainID {
	return GrainID{Type: grainType, Kind: KeyInt64, Int: key}
}

// GrainString builds a grain identity with a string key.
func GrainString(grainType, key string) GrainID {
	return GrainID{Type: grainType, Kind: KeyString, Str: key}
}

// GrainIntSuffix builds a grain identity with a compound int64+string key.
func GrainIntSuffix(grainType string, key int64, suffix string) GrainID {
	return GrainID{Type: grainType, Kind: KeyInt64Suffix, Int: key, Str: suffix}
}

// GrainUUIDSuffix builds a grain identity with a compound uuid+string key.
func GrainUUIDSuffix(grainType string, key uuid.UUID, suffix string) GrainID {
	return GrainID{Type: grainType, Kind: KeyUUIDSuffix, UUID: key, Str: suffix}
}

// SystemGrain builds the identity of a system grain pinned to a silo:
// the silo address is the key, so every silo hosts its own instance.
func SystemGrain(grainType string, silo SiloAddress) GrainID {
	return GrainID{Type: grainType, Kind: KeyString, Str: silo.String()}
}

// IsSystem reports whether the grain type is a runtime-internal one.
func (g GrainID) IsSystem() bool {
	return strings.HasPrefix(g.Type, "sys.")
}

// IsZero reports whether the identity is unset.
func (g GrainID) IsZero() bool {
	return g.Type == "" && g.Kind == 0
}

func (g GrainID) String() string {
	switch g.Kind {
	case KeyUUID:
		return g.Type + "/" + g.UUID.String()
	case KeyInt64:
		return g.Type + "/" + strconv.FormatInt(g.Int, 10)
	case KeyString:
		return g.Type + "/" + g.Str
	case KeyInt64Suffix:
		return g.Type + "/" + strconv.FormatInt(g.Int, 10) + "+" + g.Str
	case KeyUUIDSuffix:
		return g.Type + "/" + g.UUID.String() + "+" + g.Str
	default:
		return g.Type + "/?"
	}
}

// Key returns a canonical map key for the identity.
func (g GrainID) Key() string { return g.String() }

// Hash returns the grain's 32-bit ring hash, also used as the reminder
// table's secondary index.
func (g GrainID) Hash() uint32 {
	h := fnv.New32a()
	h.Write([]byte(g.String()))
	return h.Sum32()
}

// ActivationID disambiguates successive activations of the same grain on
// one silo. IDs are silo-unique.
type ActivationID string

// NewActivationID returns a fresh activation identity.
func NewActivationID() ActivationID {
	return ActivationID(uuid.New().String())
}

// ActivationAddress locates one physical activation: which grain, which
// silo, which instance.
type ActivationAddress struct {
	Grain      GrainID      `json:"grain"`
	Silo       SiloAddress  `json:"silo"`
	Activation ActivationID `json:"activation"`
}

// IsZero reports whether the address is unset.
func (a ActivationAddress) IsZero() bool {
	return a.Grain.IsZero() && a.Silo.IsZero() && a.Activation == ""
}

// Equal reports whether two addresses name the same activation.
func (a ActivationAddress) Equal(o ActivationAddress) bool {
	return a.Grain.Key() == o.Grain.Key() && a.Silo.Equal(o.Silo) && a.Activation == o.Activation
}

// Less orders addresses by (silo, activation id). The lower address wins
// a concurrent-registration race.
func (a ActivationAddress) Less(o ActivationAddress) bool {
	if !a.Silo.Equal(o.Silo) {
		return a.Silo.Less(o.Silo)
	}
	return a.Activation < o.Activation
}

func (a ActivationAddress) String() string {
	return fmt.Sprintf("%s@%s#%s", a.Grain, a.Silo, a.Activation)
}
