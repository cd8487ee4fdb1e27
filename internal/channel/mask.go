// Package channel models the set of IEEE 802.15.4 2.4 GHz radio channels a
// mesh device may operate on. Sets are bitmasks: bit n is channel n.
package channel

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// Channel range of the 2.4 GHz page.
const (
	Min uint8 = 11
	Max uint8 = 26
)

// Mask is a set of channels. The zero value is the empty set.
type Mask uint32

// All holds every channel in Min..Max.
const All Mask = 0x07FFF800

// Rand is the random source used for channel picks. *rand.Rand from
// math/rand/v2 satisfies it.
type Rand interface {
	IntN(n int) int
}

// MaskOf returns a mask containing the given channels.
// Channels above 31 are ignored.
func MaskOf(channels ...uint8) Mask {
	var m Mask
	for _, ch := range channels {
		m = m.Add(ch)
	}
	return m
}

// Contains reports whether ch is a member of m.
func (m Mask) Contains(ch uint8) bool {
	if ch > 31 {
		return false
	}
	return m&(1<<ch) != 0
}

// Add returns m with ch added.
func (m Mask) Add(ch uint8) Mask {
	if ch > 31 {
		return m
	}
	return m | 1<<ch
}

// Remove returns m with ch removed.
func (m Mask) Remove(ch uint8) Mask {
	if ch > 31 {
		return m
	}
	return m &^ (1 << ch)
}

// Intersect returns the channels present in both m and other.
func (m Mask) Intersect(other Mask) Mask {
	return m & other
}

// IsEmpty reports whether m has no channels.
func (m Mask) IsEmpty() bool {
	return m == 0
}

// Len returns the number of channels in m.
func (m Mask) Len() int {
	return bits.OnesCount32(uint32(m))
}

// Channels returns the members of m in ascending order.
func (m Mask) Channels() []uint8 {
	out := make([]uint8, 0, m.Len())
	for ch := uint8(0); ch < 32; ch++ {
		if m.Contains(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// ChooseRandom picks one member of m uniformly at random.
// Returns false if m is empty.
func (m Mask) ChooseRandom(r Rand) (uint8, bool) {
	n := m.Len()
	if n == 0 {
		return 0, false
	}
	return m.Channels()[r.IntN(n)], true
}

// String renders m as a brace-enclosed list with runs collapsed,
// e.g. "{11-14, 20}".
func (m Mask) String() string {
	return "{" + strings.Join(m.ranges(), ", ") + "}"
}

// MarshalText encodes m in the form accepted by ParseMask ("11-14,20").
func (m Mask) MarshalText() ([]byte, error) {
	return []byte(strings.Join(m.ranges(), ",")), nil
}

// UnmarshalText decodes text produced by MarshalText or anything ParseMask accepts.
func (m *Mask) UnmarshalText(text []byte) error {
	parsed, err := ParseMask(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m Mask) ranges() []string {
	var out []string
	chs := m.Channels()
	for i := 0; i < len(chs); {
		j := i
		for j+1 < len(chs) && chs[j+1] == chs[j]+1 {
			j++
		}
		if j == i {
			out = append(out, strconv.Itoa(int(chs[i])))
		} else {
			out = append(out, fmt.Sprintf("%d-%d", chs[i], chs[j]))
		}
		i = j + 1
	}
	return out
}

// ParseMask parses a channel list such as "11-14,20", "{11-14, 20}" or a
// raw hex bitmask such as "0x07fff800". Listed channels must lie in Min..Max.
// An empty string yields the empty mask.
func ParseMask(s string) (Mask, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("parse channel mask %q: %w", s, err)
		}
		return Mask(v), nil
	}

	var m Mask
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := parseChannel(lo)
		if err != nil {
			return 0, err
		}
		last := first
		if isRange {
			if last, err = parseChannel(hi); err != nil {
				return 0, err
			}
			if last < first {
				return 0, fmt.Errorf("channel range %q is reversed", part)
			}
		}
		for ch := first; ch <= last; ch++ {
			m = m.Add(ch)
		}
	}
	return m, nil
}

func parseChannel(s string) (uint8, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
	if err != nil {
		return 0, fmt.Errorf("parse channel %q: %w", s, err)
	}
	ch := uint8(v)
	if ch < Min || ch > Max {
		return 0, fmt.Errorf("channel %d out of range %d-%d", ch, Min, Max)
	}
	return ch, nil
}
