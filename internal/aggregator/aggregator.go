// Package aggregator tracks channel interest per tab and, on the leader,
// reconciles the union of all tabs' interest against the transport.
package aggregator

import (
	"encoding/json"
	"fmt"
	"slices"
)

// ChannelSet is a deduplicated set of channel names. The zero value is empty
// and ready to use. ChannelSet is not safe for concurrent use.
type ChannelSet struct {
	m map[string]struct{}
}

// NewChannelSet returns a set holding channels.
func NewChannelSet(channels ...string) *ChannelSet {
	s := &ChannelSet{}
	for _, c := range channels {
		s.Add(c)
	}
	return s
}

// Add inserts channel and reports whether it was absent.
func (s *ChannelSet) Add(channel string) bool {
	if s.m == nil {
		s.m = make(map[string]struct{})
	}
	if _, ok := s.m[channel]; ok {
		return false
	}
	s.m[channel] = struct{}{}
	return true
}

// Remove deletes channel and reports whether it was present.
func (s *ChannelSet) Remove(channel string) bool {
	if _, ok := s.m[channel]; !ok {
		return false
	}
	delete(s.m, channel)
	return true
}

// Has reports whether channel is in the set.
func (s *ChannelSet) Has(channel string) bool {
	_, ok := s.m[channel]
	return ok
}

// Len returns the number of channels.
func (s *ChannelSet) Len() int { return len(s.m) }

// Sorted returns the channels in ascending order.
func (s *ChannelSet) Sorted() []string {
	out := make([]string, 0, len(s.m))
	for c := range s.m {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Encode returns the stored form: a JSON array in ascending order, so equal
// sets always encode to identical bytes.
func (s *ChannelSet) Encode() string {
	b, _ := json.Marshal(s.Sorted())
	return string(b)
}

// Decode parses a value written by [ChannelSet.Encode].
func Decode(value string) ([]string, error) {
	var channels []string
	if err := json.Unmarshal([]byte(value), &channels); err != nil {
		return nil, fmt.Errorf("decode channel set: %w", err)
	}
	return channels, nil
}

// Union merges every channel list into one sorted, deduplicated slice.
func Union(sets ...[]string) []string {
	all := &ChannelSet{}
	for _, set := range sets {
		for _, c := range set {
			all.Add(c)
		}
	}
	return all.Sorted()
}

// Diff returns the channels in desired but not in current (toAdd) and those
// in current but not in desired (toRemove), both sorted.
func Diff(desired, current []string) (toAdd, toRemove []string) {
	want := NewChannelSet(desired...)
	have := NewChannelSet(current...)

	for _, c := range want.Sorted() {
		if !have.Has(c) {
			toAdd = append(toAdd, c)
		}
	}
	for _, c := range have.Sorted() {
		if !want.Has(c) {
			toRemove = append(toRemove, c)
		}
	}
	return toAdd, toRemove
}
