package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func wildcardTemplate() Service {
	return Service{
		ServiceID:    0x1234,
		InstanceID:   InstanceIDAny,
		MajorVersion: MajorVersionAny,
		Eventgroups:  map[uint16]struct{}{0x5: {}},
	}
}

func TestMatchesSubscribeAcceptsConcreteEntryAgainstWildcardTemplate(t *testing.T) {
	s := wildcardTemplate()
	assert.True(t, s.MatchesSubscribe(1, 1, 0x5))
	assert.True(t, s.MatchesSubscribe(2, 3, 0x5))
}

func TestMatchesSubscribeRejectsMismatchedConcreteInstance(t *testing.T) {
	s := Service{ServiceID: 0x1234, InstanceID: 1, MajorVersion: 1, Eventgroups: map[uint16]struct{}{0x5: {}}}
	assert.True(t, s.MatchesSubscribe(1, 1, 0x5))
	assert.False(t, s.MatchesSubscribe(2, 1, 0x5))
	assert.False(t, s.MatchesSubscribe(1, 2, 0x5))
}

func TestMatchesSubscribeRejectsUnofferedEventgroup(t *testing.T) {
	s := wildcardTemplate()
	assert.False(t, s.MatchesSubscribe(1, 1, 0x9))
}

func TestMatchesFindAcceptsWildcardEntryAgainstConcreteService(t *testing.T) {
	s := Service{ServiceID: 0x1234, InstanceID: 1, MajorVersion: 1, MinorVersion: 7}
	assert.True(t, s.MatchesFind(InstanceIDAny, MajorVersionAny, MinorVersionAny))
	assert.False(t, s.MatchesFind(2, MajorVersionAny, MinorVersionAny))
}
