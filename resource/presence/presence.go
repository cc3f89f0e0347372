// Package presence implements presence resources: which users are online
// on a resource, across every radar process.
//
// A user is online while at least one of its clients is. A client counts
// only while the process it is connected to is alive according to the
// sentry, so clients of a crashed process disappear once its heartbeat
// expires.
package presence

import (
	"encoding/json"
	"sort"

	"github.com/c360/radar/message"
	"github.com/c360/radar/resource"
	"github.com/c360/radar/sentry"
	"github.com/c360/radar/transport"
)

const (
	valueOnline  = "online"
	valueOffline = "offline"
)

// clientEntry is one client of a user. Sentry is the hostPort of the
// process holding the client's connection.
type clientEntry struct {
	UserType string          `json:"userType,omitempty"`
	UserData json.RawMessage `json:"userData,omitempty"`
	Sentry   string          `json:"sentry"`
	At       int64           `json:"at"`
}

// users maps userId to clientId to entry. It is also the stored form.
type users map[string]map[string]clientEntry

type clientRef struct {
	userID   string
	clientID string
}

// Presence tracks online users.
type Presence struct {
	*resource.Base

	users     users
	owned     map[string]map[clientRef]struct{}
	listening map[string]bool
	stopWatch func()
}

// New is the resource.Factory for KindPresence.
func New(name string, host resource.Host, typ *resource.Type) resource.Resource {
	p := &Presence{
		Base:      resource.NewBase(name, host, typ),
		users:     make(users),
		owned:     make(map[string]map[clientRef]struct{}),
		listening: make(map[string]bool),
	}
	p.stopWatch = host.WatchSentry(p.onSentry)
	return p
}

type getOptions struct {
	Version int `json:"version"`
}

func (p *Presence) whenLoaded(fn func()) {
	p.WhenLoaded(fn)
	p.Hydrate(p.Name(), p.hydrate)
}

// hydrate loads the stored users. Entries claiming this host that were
// not set during this run are leftovers and get removed.
func (p *Presence) hydrate(stored []byte) error {
	var u users
	if err := json.Unmarshal(stored, &u); err != nil {
		return err
	}

	self := p.Host().Sentry().HostPort()
	var stale []clientRef
	for userID, clients := range u {
		for clientID, e := range clients {
			if e.Sentry == self {
				stale = append(stale, clientRef{userID, clientID})
				continue
			}
			p.put(userID, clientID, e)
		}
	}
	if len(stale) > 0 {
		p.Logger().Info("removing leftover clients of this host", "count", len(stale))
		p.persistRemove(stale...)
	}
	return nil
}

func (p *Presence) Subscribe(conn transport.Conn, sendPastState bool) {
	p.AddSubscriber(conn)
	p.listening[conn.ID()] = true
	if sendPastState {
		p.whenLoaded(func() { p.sendSync(conn, getOptions{}) })
	}
}

// Unsubscribe removes conn entirely. Clients it set online go offline.
func (p *Presence) Unsubscribe(conn transport.Conn, _ bool) {
	delete(p.listening, conn.ID())
	p.RemoveSubscriber(conn.ID())

	refs := p.owned[conn.ID()]
	delete(p.owned, conn.ID())
	if len(refs) == 0 {
		return
	}
	p.whenLoaded(func() {
		for _, ref := range sortedRefs(refs) {
			p.goOffline(ref, false, true)
		}
	})
}

func (p *Presence) HandleMessage(conn transport.Conn, msg *message.Message) {
	switch msg.Op {
	case message.OpSet:
		p.whenLoaded(func() { p.set(conn, msg) })
	case message.OpGet:
		opts := parseOptions(msg)
		p.whenLoaded(func() { p.sendGet(conn, opts) })
	case message.OpSync:
		opts := parseOptions(msg)
		p.AddSubscriber(conn)
		p.listening[conn.ID()] = true
		p.whenLoaded(func() { p.sendSync(conn, opts) })
		p.Ack(conn, msg)
	case message.OpSubscribe:
		p.Subscribe(conn, false)
		p.Ack(conn, msg)
	case message.OpUnsubscribe:
		// Clients set online through conn stay online; conn just stops
		// hearing about changes.
		delete(p.listening, conn.ID())
		if len(p.owned[conn.ID()]) == 0 {
			p.RemoveSubscriber(conn.ID())
		}
		p.Ack(conn, msg)
	default:
		p.Logger().Warn("unsupported op", "op", msg.Op, "conn", conn.ID())
	}
}

func parseOptions(msg *message.Message) getOptions {
	var opts getOptions
	if len(msg.Options) > 0 {
		_ = json.Unmarshal(msg.Options, &opts)
	}
	return opts
}

func (p *Presence) set(conn transport.Conn, msg *message.Message) {
	userID := msg.Key.String()
	if userID == "" {
		p.Logger().Warn("presence set without key dropped", "conn", conn.ID())
		return
	}
	value, _ := msg.StringValue()
	ref := clientRef{userID: userID, clientID: conn.ID()}

	switch value {
	case valueOffline:
		if owned := p.owned[conn.ID()]; owned != nil {
			delete(owned, ref)
		}
		p.goOffline(ref, true, true)
	default:
		// The connection is subscribed, not listening, so that its close
		// takes the client offline.
		if p.AddSubscriber(conn) {
			p.listening[conn.ID()] = false
		}
		if p.owned[conn.ID()] == nil {
			p.owned[conn.ID()] = make(map[clientRef]struct{})
		}
		p.owned[conn.ID()][ref] = struct{}{}

		e := clientEntry{
			UserType: msg.Type,
			UserData: msg.UserData,
			Sentry:   p.Host().Sentry().HostPort(),
			At:       p.Host().Now().UnixMilli(),
		}
		p.goOnline(ref, e, true)
	}
	p.Ack(conn, msg)
}

// goOnline records a client and tells listeners about whatever became
// newly visible. local changes are stored and published.
func (p *Presence) goOnline(ref clientRef, e clientEntry, local bool) {
	userWasOnline := p.userOnline(ref.userID)
	prev, clientKnown := p.users[ref.userID][ref.clientID]
	clientWasOnline := clientKnown && p.alive(prev)

	p.put(ref.userID, ref.clientID, e)

	if !userWasOnline && p.alive(e) {
		p.broadcast(&message.Message{
			Op:       message.OpOnline,
			To:       p.Name(),
			Value:    message.Raw(map[string]string{ref.userID: e.UserType}),
			UserData: e.UserData,
		})
	}
	if !clientWasOnline && p.alive(e) {
		p.broadcast(&message.Message{
			Op: message.OpClientOnline,
			To: p.Name(),
			Value: message.Raw(map[string]any{
				"userId":   ref.userID,
				"clientId": ref.clientID,
				"userData": e.UserData,
			}),
		})
	}

	if local {
		p.persistPut(ref, e)
		p.Publish(&message.Message{
			Op:       message.OpSet,
			Key:      message.ID(ref.userID),
			Type:     e.UserType,
			Value:    message.Raw(valueOnline),
			UserData: e.UserData,
			ClientID: ref.clientID,
			Sentry:   e.Sentry,
		})
	}
}

// goOffline removes a client. explicit distinguishes a client saying
// offline from one lost with its connection or process.
func (p *Presence) goOffline(ref clientRef, explicit, local bool) {
	e, ok := p.users[ref.userID][ref.clientID]
	if !ok {
		return
	}
	wasVisible := p.alive(e)

	delete(p.users[ref.userID], ref.clientID)
	if len(p.users[ref.userID]) == 0 {
		delete(p.users, ref.userID)
	}

	if wasVisible {
		p.broadcast(&message.Message{
			Op: message.OpClientOffline,
			To: p.Name(),
			Value: message.Raw(map[string]any{
				"userId":   ref.userID,
				"clientId": ref.clientID,
				"explicit": explicit,
			}),
		})
		if !p.userOnline(ref.userID) {
			p.broadcast(&message.Message{
				Op:    message.OpOffline,
				To:    p.Name(),
				Value: message.Raw(map[string]string{ref.userID: e.UserType}),
			})
		}
	}

	if local {
		p.persistRemove(ref)
		p.Publish(&message.Message{
			Op:       message.OpSet,
			Key:      message.ID(ref.userID),
			Type:     e.UserType,
			Value:    message.Raw(valueOffline),
			ClientID: ref.clientID,
			Sentry:   e.Sentry,
		})
	}
}

func (p *Presence) put(userID, clientID string, e clientEntry) {
	if p.users[userID] == nil {
		p.users[userID] = make(map[string]clientEntry)
	}
	p.users[userID][clientID] = e
}

func (p *Presence) alive(e clientEntry) bool {
	return p.Host().Sentry().IsOnline(e.Sentry)
}

func (p *Presence) userOnline(userID string) bool {
	for _, e := range p.users[userID] {
		if p.alive(e) {
			return true
		}
	}
	return false
}

func (p *Presence) broadcast(msg *message.Message) {
	for _, conn := range p.Subscribers() {
		if p.listening[conn.ID()] {
			p.Send(conn, msg)
		}
	}
}

func (p *Presence) persistPut(ref clientRef, e clientEntry) {
	p.Persist(p.Name(), func(current []byte) ([]byte, error) {
		u, err := decodeUsers(current)
		if err != nil {
			return nil, err
		}
		if u[ref.userID] == nil {
			u[ref.userID] = make(map[string]clientEntry)
		}
		u[ref.userID][ref.clientID] = e
		return json.Marshal(u)
	})
}

func (p *Presence) persistRemove(refs ...clientRef) {
	p.Persist(p.Name(), func(current []byte) ([]byte, error) {
		u, err := decodeUsers(current)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			delete(u[ref.userID], ref.clientID)
			if len(u[ref.userID]) == 0 {
				delete(u, ref.userID)
			}
		}
		return json.Marshal(u)
	})
}

func decodeUsers(b []byte) (users, error) {
	u := make(users)
	if len(b) == 0 {
		return u, nil
	}
	if err := json.Unmarshal(b, &u); err != nil {
		return nil, err
	}
	return u, nil
}

// Online returns userId to userType for every visible user.
func (p *Presence) Online() map[string]string {
	out := make(map[string]string)
	for userID, clients := range p.users {
		for _, e := range clients {
			if p.alive(e) {
				out[userID] = e.UserType
				break
			}
		}
	}
	return out
}

// UserClients is the version 2 get shape of one user.
type UserClients struct {
	Clients  map[string]json.RawMessage `json:"clients"`
	UserType string                     `json:"userType"`
}

// Clients returns every visible user with its visible clients.
func (p *Presence) Clients() map[string]UserClients {
	out := make(map[string]UserClients)
	for userID, clients := range p.users {
		for clientID, e := range clients {
			if !p.alive(e) {
				continue
			}
			uc, ok := out[userID]
			if !ok {
				uc = UserClients{Clients: make(map[string]json.RawMessage), UserType: e.UserType}
			}
			uc.Clients[clientID] = e.UserData
			out[userID] = uc
		}
	}
	return out
}

func (p *Presence) sendGet(conn transport.Conn, opts getOptions) {
	value := message.Raw(p.Online())
	if opts.Version == 2 {
		value = message.Raw(p.Clients())
	}
	p.Send(conn, &message.Message{Op: message.OpGet, To: p.Name(), Value: value})
}

func (p *Presence) sendSync(conn transport.Conn, opts getOptions) {
	if opts.Version == 2 {
		p.sendGet(conn, opts)
		return
	}
	p.Send(conn, &message.Message{Op: message.OpOnline, To: p.Name(), Value: message.Raw(p.Online())})
}

func (p *Presence) IngestBackendMessage(msg *message.Message) {
	if !p.Accept(msg) {
		return
	}
	if msg.Op != message.OpSet {
		p.Logger().Debug("ignoring backend op", "op", msg.Op)
		return
	}
	userID := msg.Key.String()
	if userID == "" || msg.ClientID == "" {
		p.Logger().Warn("backend presence change without user or client dropped")
		return
	}
	ref := clientRef{userID: userID, clientID: msg.ClientID}
	value, _ := msg.StringValue()

	p.whenLoaded(func() {
		if value == valueOffline {
			p.goOffline(ref, true, false)
			return
		}
		p.goOnline(ref, clientEntry{
			UserType: msg.Type,
			UserData: msg.UserData,
			Sentry:   msg.Sentry,
			At:       p.Host().Now().UnixMilli(),
		}, false)
	})
}

// onSentry drops every client of a host that went down. Each process
// clears the store on its own; removal is idempotent.
func (p *Presence) onSentry(ev sentry.Event) {
	if ev.Kind != sentry.EventDown || p.Destroyed() {
		return
	}
	p.whenLoaded(func() {
		var refs []clientRef
		for userID, clients := range p.users {
			for clientID, e := range clients {
				if e.Sentry == ev.HostPort {
					refs = append(refs, clientRef{userID, clientID})
				}
			}
		}
		if len(refs) == 0 {
			return
		}
		sortRefs(refs)
		p.Logger().Info("host down, clients offline", "host", ev.HostPort, "clients", len(refs))

		// Entries of a dead host are already invisible, so announce before
		// removing them.
		for _, ref := range refs {
			p.announceLost(ref)
		}
		p.persistRemove(refs...)
	})
}

// announceLost removes a client of a dead host, telling listeners the
// same way a lost connection would.
func (p *Presence) announceLost(ref clientRef) {
	e := p.users[ref.userID][ref.clientID]
	delete(p.users[ref.userID], ref.clientID)
	if len(p.users[ref.userID]) == 0 {
		delete(p.users, ref.userID)
	}

	p.broadcast(&message.Message{
		Op: message.OpClientOffline,
		To: p.Name(),
		Value: message.Raw(map[string]any{
			"userId":   ref.userID,
			"clientId": ref.clientID,
			"explicit": false,
		}),
	})
	if !p.userOnline(ref.userID) {
		p.broadcast(&message.Message{
			Op:    message.OpOffline,
			To:    p.Name(),
			Value: message.Raw(map[string]string{ref.userID: e.UserType}),
		})
	}
}

// Destroy takes the clients set online through this process offline,
// in the store and on peers, before dropping local state.
func (p *Presence) Destroy() {
	if p.Destroyed() {
		return
	}
	var refs []clientRef
	for _, set := range p.owned {
		for ref := range set {
			refs = append(refs, ref)
		}
	}
	sortRefs(refs)
	for _, ref := range refs {
		p.goOffline(ref, false, true)
	}

	p.Base.Destroy()
	if p.stopWatch != nil {
		p.stopWatch()
	}
	p.users = make(users)
	p.owned = make(map[string]map[clientRef]struct{})
	p.listening = make(map[string]bool)
}

func sortedRefs(set map[clientRef]struct{}) []clientRef {
	refs := make([]clientRef, 0, len(set))
	for ref := range set {
		refs = append(refs, ref)
	}
	sortRefs(refs)
	return refs
}

func sortRefs(refs []clientRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].userID != refs[j].userID {
			return refs[i].userID < refs[j].userID
		}
		return refs[i].clientID < refs[j].clientID
	})
}
