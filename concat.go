package main

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// PartTimeout is how long an incomplete concatenated SMS is kept
const PartTimeout = 5 * time.Minute

// partKey identifies one in-flight concatenated SMS. Reference numbers are
// only unique per sender, and even then only for a while.
type partKey struct {
	sender string
	ref    int
}

// partBuffer collects the parts of one concatenated SMS
type partBuffer struct {
	sender    string
	smsc      string
	timestamp time.Time
	encoding  Encoding
	parts     []*string // slot i holds part i+1
	sources   []int
	strays    []int // sources of parts numbered outside 1..total
	createdAt time.Time
}

func (b *partBuffer) complete() bool {
	for _, p := range b.parts {
		if p == nil {
			return false
		}
	}
	return true
}

// Concatenator reassembles concatenated SMS from their parts
type Concatenator struct {
	mu      sync.Mutex
	buffers map[partKey]*partBuffer
	timeout time.Duration
	now     func() time.Time
	onDrop  func(sources []int)
}

// NewConcatenator creates a concatenator that drops incomplete messages after timeout
func NewConcatenator(timeout time.Duration) *Concatenator {
	if timeout <= 0 {
		timeout = PartTimeout
	}
	return &Concatenator{
		buffers: make(map[partKey]*partBuffer),
		timeout: timeout,
		now:     time.Now,
	}
}

// OnDrop registers fn to receive the source IDs of every part discarded by
// Cleanup, out of range parts included.
// fn runs with the concatenator locked and must not call back into it.
func (c *Concatenator) OnDrop(fn func(sources []int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDrop = fn
}

// AddPart stores a decoded PDU and returns the complete message once every
// part has arrived, or nil while parts are still missing. Messages that are
// not multipart are returned as is.
func (c *Concatenator) AddPart(msg *Message) *Message {
	if !msg.Part.IsMultipart {
		return msg
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := partKey{sender: msg.Sender, ref: msg.Part.Ref}
	buf, ok := c.buffers[key]
	if !ok {
		buf = &partBuffer{
			sender:    msg.Sender,
			smsc:      msg.SMSC,
			timestamp: msg.Timestamp,
			encoding:  msg.Encoding,
			parts:     make([]*string, msg.Part.TotalParts),
			sources:   make([]int, msg.Part.TotalParts),
			createdAt: c.now(),
		}
		c.buffers[key] = buf
	}

	idx := msg.Part.PartNumber - 1
	if idx < 0 || idx >= len(buf.parts) {
		slog.Debug("Dropping out of range SMS part",
			"sender", msg.Sender,
			"ref", msg.Part.Ref,
			"part", msg.Part.PartNumber,
			"total", len(buf.parts),
		)
		if !containsInt(buf.strays, msg.SourceID) {
			buf.strays = append(buf.strays, msg.SourceID)
		}
		return nil
	}
	text := msg.Text
	buf.parts[idx] = &text
	buf.sources[idx] = msg.SourceID

	if !buf.complete() {
		return nil
	}

	var sb strings.Builder
	for _, p := range buf.parts {
		sb.WriteString(*p)
	}
	delete(c.buffers, key)

	slog.Debug("Concatenated SMS complete",
		"sender", buf.sender,
		"ref", msg.Part.Ref,
		"parts", len(buf.parts),
	)

	return &Message{
		SourceID:    msg.SourceID,
		SMSC:        buf.smsc,
		Sender:      buf.sender,
		Text:        sb.String(),
		Timestamp:   buf.timestamp,
		Encoding:    buf.encoding,
		Part:        singlePart(),
		Segments:    len(buf.parts),
		PartSources: buf.sources,
	}
}

// Cleanup drops every incomplete message older than the timeout and
// returns how many were dropped
func (c *Concatenator) Cleanup(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for key, buf := range c.buffers {
		if now.Sub(buf.createdAt) <= c.timeout {
			continue
		}
		var sources []int
		for i, p := range buf.parts {
			if p != nil {
				sources = append(sources, buf.sources[i])
			}
		}
		sources = append(sources, buf.strays...)
		slog.Warn("Dropping incomplete multipart SMS",
			"sender", key.sender,
			"ref", key.ref,
			"received", len(sources),
			"total", len(buf.parts),
			"age", now.Sub(buf.createdAt),
		)
		delete(c.buffers, key)
		dropped++
		if c.onDrop != nil {
			c.onDrop(sources)
		}
	}
	return dropped
}

// Pending returns number of incomplete multipart messages
func (c *Concatenator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffers)
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
