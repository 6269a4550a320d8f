package merge

import (
	"strconv"
	"strings"

	apperrors "github.com/manuco/llmerger/pkg/errors"
)

// LayerStatus controls whether a layer survives its owning connection
// closing.
type LayerStatus string

const (
	// Volatile layers are removed when the connection that created them
	// disconnects.
	Volatile LayerStatus = "volatile"
	// Persistent layers survive their creating connection's disconnect.
	Persistent LayerStatus = "persistent"
)

// MixKind selects how a channel's value combines with the layer below it.
type MixKind int

const (
	// MixWeight blends linearly: (1-weight)*below + weight*this.
	MixWeight MixKind = iota
	// MixMin takes the smaller of this channel and the one below.
	MixMin
	// MixMax takes the larger of this channel and the one below.
	MixMax
)

// MixType describes how a channel combines with the layer beneath it.
type MixType struct {
	Kind   MixKind
	Weight float64 // only meaningful when Kind == MixWeight, in [0,1]
}

// WeightMix builds a linear-blend MixType from a weight in [0,1].
func WeightMix(weight float64) MixType {
	return MixType{Kind: MixWeight, Weight: weight}
}

// Channel is one DMX feature channel carried by a Layer.
type Channel struct {
	Value   int
	NbChan  int
	MixType MixType
}

// mask returns value truncated to the channel's byte width: the low
// 8*nbChan bits. Widths of 63 bits or more return value unchanged.
func mask(value, nbChan int) int {
	bits := uint(8 * nbChan)
	if bits >= 63 {
		return value
	}
	return value & ((1 << bits) - 1)
}

// Layer is an ordered set of channels that blend with the layers below it.
// Level is the layer's dotted-notation ordering key; see Level.Less.
type Layer struct {
	Level    Level
	Status   LayerStatus
	ConnID   uint64
	Channels map[int]*Channel
}

// NewLayer parses level and returns an empty layer at that level.
func NewLayer(level string, status LayerStatus, connID uint64) (*Layer, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return &Layer{
		Level:    l,
		Status:   status,
		ConnID:   connID,
		Channels: make(map[int]*Channel),
	}, nil
}

// AddChannel adds or replaces the channel at address.
func (l *Layer) AddChannel(address, value int, mixType MixType, nbChan int) {
	l.Channels[address] = &Channel{
		Value:   mask(value, nbChan),
		NbChan:  nbChan,
		MixType: mixType,
	}
}

// UpdateChannel updates value and/or mixType of an existing channel. Either
// argument may be nil to leave that field untouched. The channel's existing
// NbChan is always used to mask value — the original implementation
// referenced an out-of-scope nbChan here, which is a bug; SPEC_FULL.md's
// open-question resolution uses the channel's own NbChan instead.
func (l *Layer) UpdateChannel(address int, value *int, mixType *MixType) error {
	ch, ok := l.Channels[address]
	if !ok {
		return apperrors.New(apperrors.Value, "unknown channel: "+strconv.Itoa(address))
	}
	if value != nil {
		ch.Value = mask(*value, ch.NbChan)
	}
	if mixType != nil {
		ch.MixType = *mixType
	}
	return nil
}

// DelChannel removes the channel at address, if present.
func (l *Layer) DelChannel(address int) {
	delete(l.Channels, address)
}

// Level is a dotted-notation ordering key, e.g. "2.1.-3".
type Level struct {
	raw        string
	components []int
}

// String returns the level's original textual form.
func (lv Level) String() string {
	return lv.raw
}

// ParseLevel validates and parses a dotted-notation level string. Each
// component must be a base-10 integer; components are separated by dots.
func ParseLevel(level string) (Level, error) {
	if level == "" {
		return Level{}, apperrors.New(apperrors.Value, "bad level format")
	}
	parts := strings.Split(level, ".")
	components := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Level{}, apperrors.New(apperrors.Value, "bad level format")
		}
		components = append(components, n)
	}
	return Level{raw: level, components: components}, nil
}

// Less orders levels: a shorter prefix sorts before a longer one that
// extends it, and components compare by absolute value when same-signed,
// with positive components sorting before negative ones (so "99" < "-1",
// "-1" < "-2", mirroring the original layer ordering rules).
func (lv Level) Less(other Level) bool {
	i := 0
	for {
		if i == len(lv.components) {
			return true
		}
		if i == len(other.components) {
			return false
		}

		l := lv.components[i]
		r := other.components[i]

		if (l > 0 && r > 0) || (l < 0 && r < 0) {
			la, ra := abs(l), abs(r)
			if la < ra {
				return true
			}
			if la > ra {
				return false
			}
		}
		if l < 0 && r > 0 {
			return false
		}
		if l > 0 && r < 0 {
			return true
		}
		i++
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
