package telegram

import (
	"strings"
	"time"

	"github.com/gotd/td/tg"

	"github.com/al-bashkir/tgbridge/internal/protocol"
)

// channelIDOffset separates channel ids from basic group ids in marked form.
const channelIDOffset int64 = 1_000_000_000_000

type peerKind int

const (
	peerInvalid peerKind = iota
	peerUser
	peerChat
	peerChannel
)

// MarkedID returns the conversation id exposed to callers: users keep their
// id, basic groups are negated and channels are shifted below -1e12.
func MarkedID(p tg.PeerClass) (int64, bool) {
	switch p := p.(type) {
	case *tg.PeerUser:
		return p.UserID, true
	case *tg.PeerChat:
		return -p.ChatID, true
	case *tg.PeerChannel:
		return -(channelIDOffset + p.ChannelID), true
	default:
		return 0, false
	}
}

// unmark splits a marked id into its peer kind and raw id.
func unmark(marked int64) (peerKind, int64) {
	switch {
	case marked > 0:
		return peerUser, marked
	case marked <= -channelIDOffset:
		return peerChannel, -marked - channelIDOffset
	case marked < 0:
		return peerChat, -marked
	default:
		return peerInvalid, 0
	}
}

func userEntity(u *tg.User) protocol.Entity {
	return protocol.Entity{
		ID:         u.ID,
		AccessHash: u.AccessHash,
		Kind:       protocol.KindUser,
		Title:      displayName(u),
		Username:   u.Username,
	}
}

// chatEntity maps a basic group or channel. Megagroups are groups.
func chatEntity(c tg.ChatClass) (protocol.Entity, bool) {
	switch c := c.(type) {
	case *tg.Chat:
		return protocol.Entity{
			ID:               -c.ID,
			Kind:             protocol.KindGroup,
			Title:            c.Title,
			CreatedAt:        unixTime(c.Date),
			ParticipantCount: c.ParticipantsCount,
		}, true
	case *tg.ChatForbidden:
		return protocol.Entity{
			ID:    -c.ID,
			Kind:  protocol.KindGroup,
			Title: c.Title,
		}, true
	case *tg.Channel:
		e := protocol.Entity{
			ID:         -(channelIDOffset + c.ID),
			AccessHash: c.AccessHash,
			Kind:       protocol.KindChannel,
			Title:      c.Title,
			Username:   c.Username,
			CreatedAt:  unixTime(c.Date),
		}
		if c.Megagroup {
			e.Kind = protocol.KindGroup
		}
		if n, ok := c.GetParticipantsCount(); ok {
			e.ParticipantCount = n
		}
		return e, true
	case *tg.ChannelForbidden:
		e := protocol.Entity{
			ID:         -(channelIDOffset + c.ID),
			AccessHash: c.AccessHash,
			Kind:       protocol.KindChannel,
			Title:      c.Title,
		}
		if c.Megagroup {
			e.Kind = protocol.KindGroup
		}
		return e, true
	default:
		return protocol.Entity{}, false
	}
}

func participantOf(u *tg.User) protocol.Participant {
	return protocol.Participant{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Username:  u.Username,
		Phone:     u.Phone,
		Bot:       u.Bot,
	}
}

func messageOf(m tg.MessageClass) *protocol.Message {
	switch m := m.(type) {
	case *tg.Message:
		return &protocol.Message{
			ID:       m.ID,
			Text:     m.Message,
			Date:     unixTime(m.Date),
			Outgoing: m.Out,
		}
	case *tg.MessageService:
		return &protocol.Message{
			ID:       m.ID,
			Date:     unixTime(m.Date),
			Outgoing: m.Out,
		}
	default:
		return nil
	}
}

func displayName(u *tg.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	switch {
	case name != "":
		return name
	case u.Username != "":
		return u.Username
	case u.Phone != "":
		return "+" + strings.TrimPrefix(u.Phone, "+")
	default:
		return "Deleted Account"
	}
}

func unixTime(sec int) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).UTC()
}

// entityIndex resolves peers and last messages from one dialogs response.
type entityIndex struct {
	users    map[int64]*tg.User
	chats    map[int64]tg.ChatClass
	channels map[int64]tg.ChatClass
	messages map[messageKey]tg.MessageClass
}

type messageKey struct {
	peer int64
	id   int
}

func newEntityIndex(users []tg.UserClass, chats []tg.ChatClass, messages []tg.MessageClass) *entityIndex {
	idx := &entityIndex{
		users:    make(map[int64]*tg.User, len(users)),
		chats:    make(map[int64]tg.ChatClass),
		channels: make(map[int64]tg.ChatClass),
		messages: make(map[messageKey]tg.MessageClass, len(messages)),
	}
	for _, u := range users {
		if u, ok := u.(*tg.User); ok {
			idx.users[u.ID] = u
		}
	}
	for _, c := range chats {
		switch c := c.(type) {
		case *tg.Chat:
			idx.chats[c.ID] = c
		case *tg.ChatForbidden:
			idx.chats[c.ID] = c
		case *tg.Channel:
			idx.channels[c.ID] = c
		case *tg.ChannelForbidden:
			idx.channels[c.ID] = c
		}
	}
	for _, m := range messages {
		var peer tg.PeerClass
		switch m := m.(type) {
		case *tg.Message:
			peer = m.PeerID
		case *tg.MessageService:
			peer = m.PeerID
		default:
			continue
		}
		if marked, ok := MarkedID(peer); ok {
			idx.messages[messageKey{peer: marked, id: m.GetID()}] = m
		}
	}
	return idx
}

// dialogEntity builds the entity of one dialog, or false for dialogs whose
// peer is not in the response.
func (idx *entityIndex) dialogEntity(d *tg.Dialog) (protocol.Entity, bool) {
	var (
		e  protocol.Entity
		ok bool
	)
	switch p := d.Peer.(type) {
	case *tg.PeerUser:
		var u *tg.User
		if u, ok = idx.users[p.UserID]; ok {
			e = userEntity(u)
		}
	case *tg.PeerChat:
		var c tg.ChatClass
		if c, ok = idx.chats[p.ChatID]; ok {
			e, ok = chatEntity(c)
		}
	case *tg.PeerChannel:
		var c tg.ChatClass
		if c, ok = idx.channels[p.ChannelID]; ok {
			e, ok = chatEntity(c)
		}
	}
	if !ok {
		return protocol.Entity{}, false
	}

	e.UnreadCount = d.UnreadCount
	if m, found := idx.messages[messageKey{peer: e.ID, id: d.TopMessage}]; found {
		e.LastMessage = messageOf(m)
	}
	return e, true
}
