package telegram

import (
	"context"
	"fmt"

	"github.com/gotd/td/tg"

	"github.com/al-bashkir/tgbridge/internal/protocol"
)

// dialogPageSize is the server-side maximum for messages.getDialogs.
const dialogPageSize = 100

func (c *Client) ListDialogs(ctx context.Context, limit int) ([]protocol.Entity, error) {
	var out []protocol.Entity
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.fetchDialogs(ctx, limit, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get dialogs: %w", err)
	}
	return out, nil
}

// GetEntity resolves a marked id from the dialog cache, scanning dialogs on
// a miss, and fills in the about text and participant count.
func (c *Client) GetEntity(ctx context.Context, id int64) (protocol.Entity, error) {
	kind, raw := unmark(id)
	if kind == peerInvalid {
		return protocol.Entity{}, protocol.ErrEntityNotFound
	}

	var e protocol.Entity
	err := c.call(ctx, func(ctx context.Context) error {
		c.mu.Lock()
		cached, ok := c.entities[id]
		c.mu.Unlock()

		if ok {
			e = cached
		} else {
			found := false
			_, err := c.fetchDialogs(ctx, c.scanLimit, func(d protocol.Entity) bool {
				if d.ID == id {
					e, found = d, true
				}
				return found
			})
			if err != nil {
				return err
			}
			if !found {
				return protocol.ErrEntityNotFound
			}
		}
		return c.describe(ctx, kind, raw, &e)
	})
	if err != nil {
		return protocol.Entity{}, fmt.Errorf("get entity %d: %w", id, err)
	}
	return e, nil
}

// GetParticipants lists up to limit recent members of a group. Other kinds
// have no member list.
func (c *Client) GetParticipants(ctx context.Context, e protocol.Entity, limit int) ([]protocol.Participant, error) {
	kind, raw := unmark(e.ID)

	var out []protocol.Participant
	err := c.call(ctx, func(ctx context.Context) error {
		switch kind {
		case peerChat:
			full, err := c.client.API().MessagesGetFullChat(ctx, raw)
			if err != nil {
				return err
			}
			out = chatParticipants(full, limit)
		case peerChannel:
			res, err := c.client.API().ChannelsGetParticipants(ctx, &tg.ChannelsGetParticipantsRequest{
				Channel: &tg.InputChannel{ChannelID: raw, AccessHash: e.AccessHash},
				Filter:  &tg.ChannelParticipantsRecent{},
				Limit:   limit,
			})
			if err != nil {
				return err
			}
			out = channelParticipants(res, limit)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get participants of %d: %w", e.ID, err)
	}
	return out, nil
}

// fetchDialogs pages through the dialog list until limit entities are
// collected, the list ends or stop returns true. Every entity is cached.
func (c *Client) fetchDialogs(ctx context.Context, limit int, stop func(protocol.Entity) bool) ([]protocol.Entity, error) {
	out := make([]protocol.Entity, 0, min(limit, dialogPageSize))
	req := &tg.MessagesGetDialogsRequest{OffsetPeer: &tg.InputPeerEmpty{}}

	for len(out) < limit {
		req.Limit = min(dialogPageSize, limit-len(out))

		res, err := c.client.API().MessagesGetDialogs(ctx, req)
		if err != nil {
			return nil, err
		}
		page, raw, final := dialogsOf(res)

		c.mu.Lock()
		for _, e := range page {
			c.entities[e.ID] = e
		}
		c.mu.Unlock()

		for _, e := range page {
			out = append(out, e)
			if stop != nil && stop(e) {
				return out, nil
			}
		}

		if final || raw < req.Limit || len(page) == 0 {
			break
		}
		last := page[len(page)-1]
		if last.LastMessage == nil {
			break
		}
		req.OffsetPeer = inputPeer(last)
		req.OffsetID = last.LastMessage.ID
		req.OffsetDate = int(last.LastMessage.Date.Unix())
	}
	return out, nil
}

// describe adds the about text and participant count of the full peer.
func (c *Client) describe(ctx context.Context, kind peerKind, raw int64, e *protocol.Entity) error {
	api := c.client.API()
	switch kind {
	case peerUser:
		full, err := api.UsersGetFullUser(ctx, &tg.InputUser{UserID: raw, AccessHash: e.AccessHash})
		if err != nil {
			return err
		}
		e.About = full.FullUser.About
	case peerChat:
		full, err := api.MessagesGetFullChat(ctx, raw)
		if err != nil {
			return err
		}
		if cf, ok := full.FullChat.(*tg.ChatFull); ok {
			e.About = cf.About
			if ps, ok := cf.Participants.(*tg.ChatParticipants); ok {
				e.ParticipantCount = len(ps.Participants)
			}
		}
	case peerChannel:
		full, err := api.ChannelsGetFullChannel(ctx, &tg.InputChannel{ChannelID: raw, AccessHash: e.AccessHash})
		if err != nil {
			return err
		}
		if cf, ok := full.FullChat.(*tg.ChannelFull); ok {
			e.About = cf.About
			if n, ok := cf.GetParticipantsCount(); ok {
				e.ParticipantCount = n
			}
		}
	}
	return nil
}

// dialogsOf flattens a dialogs response. raw is the number of dialogs the
// server returned and final is true when no further page exists.
func dialogsOf(res tg.MessagesDialogsClass) (entities []protocol.Entity, raw int, final bool) {
	var (
		dialogs []tg.DialogClass
		idx     *entityIndex
	)
	switch d := res.(type) {
	case *tg.MessagesDialogs:
		dialogs, final = d.Dialogs, true
		idx = newEntityIndex(d.Users, d.Chats, d.Messages)
	case *tg.MessagesDialogsSlice:
		dialogs = d.Dialogs
		idx = newEntityIndex(d.Users, d.Chats, d.Messages)
	default:
		return nil, 0, true
	}

	entities = make([]protocol.Entity, 0, len(dialogs))
	for _, dc := range dialogs {
		d, ok := dc.(*tg.Dialog)
		if !ok {
			continue
		}
		if e, ok := idx.dialogEntity(d); ok {
			entities = append(entities, e)
		}
	}
	return entities, len(dialogs), final
}

func inputPeer(e protocol.Entity) tg.InputPeerClass {
	kind, raw := unmark(e.ID)
	switch kind {
	case peerUser:
		return &tg.InputPeerUser{UserID: raw, AccessHash: e.AccessHash}
	case peerChat:
		return &tg.InputPeerChat{ChatID: raw}
	case peerChannel:
		return &tg.InputPeerChannel{ChannelID: raw, AccessHash: e.AccessHash}
	default:
		return &tg.InputPeerEmpty{}
	}
}

func chatParticipants(full *tg.MessagesChatFull, limit int) []protocol.Participant {
	cf, ok := full.FullChat.(*tg.ChatFull)
	if !ok {
		return nil
	}
	list, ok := cf.Participants.(*tg.ChatParticipants)
	if !ok {
		return nil
	}

	users := make(map[int64]*tg.User, len(full.Users))
	for _, u := range full.Users {
		if u, ok := u.(*tg.User); ok {
			users[u.ID] = u
		}
	}

	out := make([]protocol.Participant, 0, min(limit, len(list.Participants)))
	for _, p := range list.Participants {
		if len(out) >= limit {
			break
		}
		if u, ok := users[p.GetUserID()]; ok {
			out = append(out, participantOf(u))
		}
	}
	return out
}

func channelParticipants(res tg.ChannelsChannelParticipantsClass, limit int) []protocol.Participant {
	list, ok := res.(*tg.ChannelsChannelParticipants)
	if !ok {
		return nil
	}
	out := make([]protocol.Participant, 0, min(limit, len(list.Users)))
	for _, u := range list.Users {
		if len(out) >= limit {
			break
		}
		if u, ok := u.(*tg.User); ok {
			out = append(out, participantOf(u))
		}
	}
	return out
}
