package handler

import (
	"sync"
	"time"

	"github.com/balakunbot/balakun/pkg/types/chat"
)

// convoKey identifies one serialized conversation: a chat, or a topic
// thread within it.
type convoKey struct {
	chatID   int64
	threadID int64 // 0 when the update carries no thread
}

func keyFor(chatID int64, threadID *int64) convoKey {
	key := convoKey{chatID: chatID}
	if threadID != nil {
		key.threadID = *threadID
	}
	return key
}

// cachedMessage is one recent unaddressed message, kept so a later
// reply to it can carry author and excerpt metadata even though the
// message itself was never persisted.
type cachedMessage struct {
	Timestamp int64
	MessageID int64
	UserID    int64
	Name      string
	Username  string
	Excerpt   string
	Text      string
	Media     []chat.Media
}

// ReplyCache maps conversation keys to a short deque of recent
// unaddressed messages. Entries expire after the TTL; each deque is
// capped, oldest first out.
type ReplyCache struct {
	mu      sync.Mutex
	entries map[convoKey][]cachedMessage
	size    int
	ttl     time.Duration
	nowFn   func() time.Time
}

func NewReplyCache(size int, ttl time.Duration) *ReplyCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ReplyCache{
		entries: make(map[convoKey][]cachedMessage),
		size:    size,
		ttl:     ttl,
		nowFn:   time.Now,
	}
}

// Push appends one message to the key's deque, evicting expired and
// overflow entries.
func (c *ReplyCache) Push(key convoKey, msg cachedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.alive(c.entries[key])
	kept = append(kept, msg)
	if len(kept) > c.size {
		kept = kept[len(kept)-c.size:]
	}
	c.entries[key] = kept
}

// Find returns the cached message with the given id, if it is still
// fresh.
func (c *ReplyCache) Find(key convoKey, messageID int64) (cachedMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, msg := range c.alive(c.entries[key]) {
		if msg.MessageID == messageID {
			return msg, true
		}
	}
	return cachedMessage{}, false
}

// Purge drops expired entries and empty keys, returning the number of
// entries removed.
func (c *ReplyCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, msgs := range c.entries {
		kept := c.alive(msgs)
		removed += len(msgs) - len(kept)
		if len(kept) == 0 {
			delete(c.entries, key)
			continue
		}
		c.entries[key] = kept
	}
	return removed
}

// Len returns the number of live entries across all keys.
func (c *ReplyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for _, msgs := range c.entries {
		total += len(c.alive(msgs))
	}
	return total
}

// alive filters out expired entries. Callers hold the lock.
func (c *ReplyCache) alive(msgs []cachedMessage) []cachedMessage {
	cutoff := c.nowFn().Unix() - int64(c.ttl/time.Second)
	var kept []cachedMessage
	for _, msg := range msgs {
		if msg.Timestamp > cutoff {
			kept = append(kept, msg)
		}
	}
	return kept
}
