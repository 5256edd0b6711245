// Package router dispatches inbound chat messages to subscriber callbacks.
//
// Callbacks register under a global key or under a conversation-scoped key.
// Dispatch invokes the global list first and then, when the message carries a
// conversation reference, the list for that conversation, each in registration
// order. No ordering is guaranteed across the two lists beyond that.
package router

import (
	"log"
	"sync"

	"supchat-go/internal/chattypes"
)

// Handler is a subscriber callback for inbound messages.
type Handler func(msg *chattypes.ChatMessage)

type entry struct {
	id int64
	h  Handler
}

// Router is the typed publish/subscribe registry for inbound messages.
// Every Subscribe call returns an unsubscribe func; dropping it leaks the
// callback for the lifetime of the router.
type Router struct {
	mu             sync.Mutex
	nextID         int64
	global         []entry
	byConversation map[int64][]entry

	// Dispatch hooks run after the subscriber lists for every message,
	// regardless of conversation scoping. The notification gatekeeper
	// registers here.
	hooks []Handler
}

// New creates an empty Router.
func New() *Router {
	return &Router{
		byConversation: make(map[int64][]entry),
	}
}

// Subscribe registers a callback for every inbound message.
func (r *Router) Subscribe(h Handler) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.global = append(r.global, entry{id: id, h: h})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.global = remove(r.global, id)
	}
}

// SubscribeConversation registers a callback for messages belonging to one
// conversation.
func (r *Router) SubscribeConversation(conversationID int64, h Handler) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.byConversation[conversationID] = append(r.byConversation[conversationID], entry{id: id, h: h})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := remove(r.byConversation[conversationID], id)
		if len(list) == 0 {
			delete(r.byConversation, conversationID)
		} else {
			r.byConversation[conversationID] = list
		}
	}
}

// OnDispatch registers a hook invoked once per dispatched message, after the
// subscriber lists. Hooks cannot be unregistered.
func (r *Router) OnDispatch(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Dispatch delivers a message to all matching subscribers and then to the
// dispatch hooks. Callbacks run on the caller's goroutine without the router
// lock held, so a callback may subscribe or unsubscribe.
func (r *Router) Dispatch(msg *chattypes.ChatMessage) {
	if msg == nil {
		log.Println("router: 忽略空消息")
		return
	}

	r.mu.Lock()
	targets := make([]Handler, 0, len(r.global)+4)
	for _, e := range r.global {
		targets = append(targets, e.h)
	}
	if msg.ConversationID != 0 {
		for _, e := range r.byConversation[msg.ConversationID] {
			targets = append(targets, e.h)
		}
	}
	hooks := make([]Handler, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()

	for _, h := range targets {
		h(msg)
	}
	for _, h := range hooks {
		h(msg)
	}
}

func remove(list []entry, id int64) []entry {
	for i, e := range list {
		if e.id == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
