package ws

import (
	"context"
	"sync"
	"time"

	"github.com/peopledesk/internal/logger"
	"github.com/peopledesk/internal/model"
	"github.com/peopledesk/internal/tracker"
)

// PushNotifier sends unread nudges to actors without a live connection.
// If nil, no nudges are sent.
type PushNotifier interface {
	Notify(ctx context.Context, actor model.ActorRef, title, body string, data map[string]string)
}

// MemberLister exposes the full membership rows (mute state included), which
// the active-members directory view does not carry.
type MemberLister interface {
	ListMembers(ctx context.Context, conv model.ConversationRef) ([]model.ConversationMember, error)
}

// Hub owns all live WebSocket connections of one API instance, keyed by actor.
// It feeds client frames into the tracker and delivers events coming back from
// the broadcast layer to every connected member of the conversation.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int

	tracker    *tracker.Tracker
	directory  tracker.MembershipDirectory
	memberRows MemberLister
	pushClient PushNotifier

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(tr *tracker.Tracker, directory tracker.MembershipDirectory, memberRows MemberLister, maxConns int, pushClient PushNotifier) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		tracker:    tr,
		directory:  directory,
		memberRows: memberRows,
		pushClient: pushClient,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting actor=%s", h.maxConns, c.actor.Key())
		c.Close()
		return
	}
	key := c.actor.Key()
	if _, ok := h.clients[key]; !ok {
		h.clients[key] = make(map[*Client]struct{})
	}
	h.clients[key][c] = struct{}{}
	h.total++
	h.mu.Unlock()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	key := c.actor.Key()
	clients, ok := h.clients[key]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, key)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()
}

// HandleFrame dispatches one incoming client frame.
func (h *Hub) HandleFrame(ctx context.Context, c *Client, frame IncomingFrame) {
	switch frame.Type {
	case FrameNewMessage:
		h.handleNewMessage(ctx, c, frame)
	case FrameMarkDelivered:
		h.handleMarkDelivered(ctx, c, frame)
	case FrameMarkRead:
		h.handleMarkRead(ctx, c, frame)
	case FrameMarkReadBatch:
		h.handleMarkReadBatch(ctx, c, frame)
	case FrameMarkConversationRead:
		h.handleMarkConversationRead(ctx, c, frame)
	default:
		h.sendToClient(c, errorFrame("unknown frame type"))
	}
}

func frameConversation(frame IncomingFrame) (model.ConversationRef, bool) {
	if (frame.ChannelID != "") == (frame.RoomID != "") {
		return model.ConversationRef{}, false
	}
	if frame.ChannelID != "" {
		return model.ConversationRef{Kind: model.ConversationChannel, ID: frame.ChannelID}, true
	}
	return model.ConversationRef{Kind: model.ConversationRoom, ID: frame.RoomID}, true
}

// isMember checks the sender against the membership projection. The tracker
// itself does not gate on membership; the surfaces do.
func (h *Hub) isMember(ctx context.Context, conv model.ConversationRef, actor model.ActorRef) (bool, error) {
	members, err := h.directory.ListActiveMembers(ctx, conv)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m == actor {
			return true, nil
		}
	}
	return false, nil
}

func (h *Hub) handleNewMessage(ctx context.Context, c *Client, frame IncomingFrame) {
	defer logger.DeferLogDuration("ws.handleNewMessage", time.Now())()
	conv, ok := frameConversation(frame)
	if !ok || frame.Content == "" {
		h.sendToClient(c, errorFrame("content and exactly one of channel_id/room_id required"))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	isMember, err := h.isMember(ctx, conv, c.actor)
	if err != nil {
		logger.Errorf("ws check membership %s actor=%s: %v", conv.Key(), c.actor.Key(), err)
		h.sendToClient(c, errorFrame("internal error"))
		return
	}
	if !isMember {
		h.sendToClient(c, errorFrame("not a member"))
		return
	}

	m := &model.Message{
		SenderType: c.actor.Type,
		SenderID:   c.actor.ID,
		Content:    frame.Content,
	}
	if frame.ChannelID != "" {
		m.ChannelID = &frame.ChannelID
	} else {
		m.RoomID = &frame.RoomID
	}
	if frame.ThreadParentID != "" {
		m.ThreadParentID = &frame.ThreadParentID
	}

	if _, err := h.tracker.Send(ctx, m); err != nil {
		logger.Errorf("ws send message %s actor=%s: %v", conv.Key(), c.actor.Key(), err)
		h.sendToClient(c, errorFrame("failed to send message"))
	}
}

func (h *Hub) handleMarkDelivered(ctx context.Context, c *Client, frame IncomingFrame) {
	if frame.MessageID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.tracker.MarkDelivered(ctx, frame.MessageID, c.actor); err != nil {
		logger.Errorf("ws mark delivered msg=%s actor=%s: %v", frame.MessageID, c.actor.Key(), err)
	}
}

func (h *Hub) handleMarkRead(ctx context.Context, c *Client, frame IncomingFrame) {
	defer logger.DeferLogDuration("ws.handleMarkRead", time.Now())()
	if frame.MessageID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := h.tracker.MarkAsRead(ctx, frame.MessageID, c.actor, c.name); err != nil {
		logger.Errorf("ws mark read msg=%s actor=%s: %v", frame.MessageID, c.actor.Key(), err)
	}
}

func (h *Hub) handleMarkReadBatch(ctx context.Context, c *Client, frame IncomingFrame) {
	defer logger.DeferLogDuration("ws.handleMarkReadBatch", time.Now())()
	if len(frame.MessageIDs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := h.tracker.MarkMultipleAsRead(ctx, frame.MessageIDs, c.actor, c.name); err != nil {
		logger.Errorf("ws mark read batch actor=%s: %v", c.actor.Key(), err)
	}
}

func (h *Hub) handleMarkConversationRead(ctx context.Context, c *Client, frame IncomingFrame) {
	defer logger.DeferLogDuration("ws.handleMarkConversationRead", time.Now())()
	conv, ok := frameConversation(frame)
	if !ok {
		h.sendToClient(c, errorFrame("exactly one of channel_id/room_id required"))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := h.tracker.MarkConversationAsRead(ctx, conv, c.actor, c.name); err != nil {
		logger.Errorf("ws mark conversation read %s actor=%s: %v", conv.Key(), c.actor.Key(), err)
	}
}

// DeliverToConversation pushes an event to every connected member of the
// conversation. Implements the broadcast sink.
func (h *Hub) DeliverToConversation(conv model.ConversationRef, ev tracker.Event) {
	defer logger.DeferLogDuration("ws.DeliverToConversation", time.Now())()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	members, err := h.directory.ListActiveMembers(ctx, conv)
	if err != nil {
		logger.Errorf("ws deliver to %s: %v", conv.Key(), err)
		return
	}
	for _, m := range members {
		h.sendToActor(m.Key(), ev)
	}

	if ev.Type == tracker.EventNewMessage {
		h.nudgeOffline(ctx, conv, ev)
	}
}

// nudgeOffline sends a web-push nudge to members who have no live connection
// here. Muted memberships and the sender are skipped. Delivery is best-effort.
func (h *Hub) nudgeOffline(ctx context.Context, conv model.ConversationRef, ev tracker.Event) {
	if h.pushClient == nil || h.memberRows == nil {
		return
	}
	rows, err := h.memberRows.ListMembers(ctx, conv)
	if err != nil {
		logger.Errorf("ws push members %s: %v", conv.Key(), err)
		return
	}

	sender := model.ActorRef{Type: ev.Actor.Type, ID: ev.Actor.ID}
	title := ev.Actor.Name
	if title == "" {
		title = "New message"
	}
	body := ""
	if ev.Message != nil {
		body = ev.Message.Content
	}
	if len(body) > 120 {
		body = body[:117] + "..."
	}
	data := map[string]string{"conversation_id": ev.ConversationID, "message_id": ev.MessageID}

	for _, row := range rows {
		member := row.Member()
		if !row.Active || row.Muted || member == sender {
			continue
		}
		if h.isConnected(member.Key()) {
			continue
		}
		go h.pushClient.Notify(context.Background(), member, title, body, data)
	}
}

func (h *Hub) isConnected(key string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[key]
	return ok
}

func (h *Hub) sendToActor(key string, msg any) {
	h.mu.RLock()
	clients, ok := h.clients[key]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendToClient(c *Client, msg any) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client actor=%s", c.actor.Key())
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
