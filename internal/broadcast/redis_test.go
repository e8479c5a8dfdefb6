package broadcast

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/peopledesk/internal/model"
	"github.com/peopledesk/internal/tracker"
)

type recordingSink struct {
	convs  []model.ConversationRef
	events []tracker.Event
}

func (r *recordingSink) DeliverToConversation(conv model.ConversationRef, ev tracker.Event) {
	r.convs = append(r.convs, conv)
	r.events = append(r.events, ev)
}

func TestParseConvChannel(t *testing.T) {
	cases := []struct {
		name string
		want model.ConversationRef
		ok   bool
	}{
		{"conv:channel:42", model.ConversationRef{Kind: model.ConversationChannel, ID: "42"}, true},
		{"conv:room:abc-def", model.ConversationRef{Kind: model.ConversationRoom, ID: "abc-def"}, true},
		{"conv:room:", model.ConversationRef{}, false},
		{"conv:chat:42", model.ConversationRef{}, false},
		{"other:channel:42", model.ConversationRef{}, false},
		{"conv:channel", model.ConversationRef{}, false},
	}
	for _, c := range cases {
		got, ok := parseConvChannel(c.name)
		require.Equalf(t, c.ok, ok, "channel %q", c.name)
		require.Equal(t, c.want, got)
	}
}

func TestPublisherFallsBackToLocalSink(t *testing.T) {
	sink := &recordingSink{}
	pub := NewPublisher(nil)
	pub.AttachLocal(sink)

	ev := tracker.Event{Type: tracker.EventNewMessage, MessageID: "m1"}
	pub.BroadcastToChannel("42", ev)
	pub.BroadcastToRoom("r7", ev)

	require.Len(t, sink.events, 2)
	require.Equal(t, model.ConversationRef{Kind: model.ConversationChannel, ID: "42"}, sink.convs[0])
	require.Equal(t, model.ConversationRef{Kind: model.ConversationRoom, ID: "r7"}, sink.convs[1])
}

func TestPublisherWithoutSinkIsSafe(t *testing.T) {
	pub := NewPublisher(nil)
	require.NotPanics(t, func() {
		pub.BroadcastToChannel("42", tracker.Event{Type: tracker.EventNewMessage})
	})
}
