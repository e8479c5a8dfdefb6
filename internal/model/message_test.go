package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanAdvanceTo(t *testing.T) {
	cases := []struct {
		from, to DeliveryStatus
		want     bool
	}{
		{StatusPending, StatusSent, true},
		{StatusPending, StatusRead, true}, // skipping intermediate states is fine
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusRead, true},
		{StatusDelivered, StatusRead, true},
		{StatusDelivered, StatusSent, false},
		{StatusRead, StatusDelivered, false},
		{StatusRead, StatusRead, false},
		{StatusSent, StatusSent, false},
		{StatusSent, StatusFailed, true},
		{StatusDelivered, StatusFailed, true},
		{StatusRead, StatusFailed, false},
		{StatusFailed, StatusSent, false},
		{StatusFailed, StatusFailed, false},
		{DeliveryStatus("bogus"), StatusRead, false},
		{StatusSent, DeliveryStatus("bogus"), false},
	}
	for _, c := range cases {
		require.Equalf(t, c.want, c.from.CanAdvanceTo(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestDeliveryStatusValid(t *testing.T) {
	for _, s := range []DeliveryStatus{StatusPending, StatusSent, StatusDelivered, StatusRead, StatusFailed} {
		require.True(t, s.Valid(), s)
	}
	require.False(t, DeliveryStatus("seen").Valid())
	require.False(t, DeliveryStatus("").Valid())
}

func TestValidConversation(t *testing.T) {
	c, r := "c1", "r1"

	require.True(t, (&Message{ChannelID: &c}).ValidConversation())
	require.True(t, (&Message{RoomID: &r}).ValidConversation())
	require.False(t, (&Message{}).ValidConversation())
	require.False(t, (&Message{ChannelID: &c, RoomID: &r}).ValidConversation())
}

func TestConversationAndKeys(t *testing.T) {
	c := "42"
	m := &Message{ChannelID: &c, SenderType: ActorBot, SenderID: "hr-bot"}

	conv := m.Conversation()
	require.Equal(t, ConversationChannel, conv.Kind)
	require.Equal(t, "channel:42", conv.Key())
	require.Equal(t, "bot:hr-bot", m.Sender().Key())
}
