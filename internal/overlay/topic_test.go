package overlay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTopicSet_JoinIsIdempotent(t *testing.T) {
	s := NewTopicSet("kizuna-bridge")

	h1, err := s.Join("research", "")
	require.NoError(t, err)

	h2, err := s.Join("research", "")
	require.NoError(t, err)

	require.Equal(t, h1, h2)
	require.Len(t, s.List(), 1)
}

func TestTopicSet_PrivateTopicHashesDifferFromPublic(t *testing.T) {
	s := NewTopicSet("kizuna-bridge")

	pub, err := s.Join("research", "")
	require.NoError(t, err)

	s2 := NewTopicSet("kizuna-bridge")
	priv, err := s2.Join("research", "s3cr3t")
	require.NoError(t, err)

	require.NotEqual(t, pub, priv)
}

func TestTopicSet_CannotLeaveDefaultTopic(t *testing.T) {
	s := NewTopicSet("kizuna-bridge")
	_, err := s.Join("kizuna-bridge", "")
	require.NoError(t, err)

	require.False(t, s.Leave("kizuna-bridge"))
	require.Len(t, s.List(), 1)
}

func TestTopicSet_LeaveUnknownTopicReportsFalse(t *testing.T) {
	s := NewTopicSet("kizuna-bridge")
	require.False(t, s.Leave("never-joined"))
}

func TestTopicSet_ListExposesHashPrefixNotFullHash(t *testing.T) {
	s := NewTopicSet("kizuna-bridge")
	hashHex, err := s.Join("research", "")
	require.NoError(t, err)

	list := s.List()
	require.Len(t, list, 1)
	require.Equal(t, hashHex[:8], list[0].HashPrefix)
	require.False(t, list[0].Private)
}
