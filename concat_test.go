package main

import (
	"testing"
	"time"
)

func newPart(sender string, ref, part, total int, text string, source int) *Message {
	return &Message{
		SourceID:  source,
		Sender:    sender,
		SMSC:      "+1987654321",
		Text:      text,
		Timestamp: time.Date(2025, 12, 11, 18, 21, 49, 0, time.UTC),
		Part: PartInfo{
			IsMultipart: true,
			Ref:         ref,
			TotalParts:  total,
			PartNumber:  part,
		},
	}
}

// fakeClock returns a concatenator whose clock is advanced by hand
func fakeClock(timeout time.Duration) (*Concatenator, *time.Time) {
	now := time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC)
	c := NewConcatenator(timeout)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestConcatenator_OutOfOrder(t *testing.T) {
	c := NewConcatenator(PartTimeout)

	if got := c.AddPart(newPart("+1234567890", 42, 2, 3, "Part 2 text. ", 11)); got != nil {
		t.Error("Should return nil when message incomplete")
	}
	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}

	if got := c.AddPart(newPart("+1234567890", 42, 1, 3, "Part 1 text. ", 10)); got != nil {
		t.Error("Should return nil when message incomplete")
	}
	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}

	result := c.AddPart(newPart("+1234567890", 42, 3, 3, "Part 3 text.", 12))
	if result == nil {
		t.Fatal("Should return complete message")
	}

	expectedText := "Part 1 text. Part 2 text. Part 3 text."
	if result.Text != expectedText {
		t.Errorf("Assembled text = %q, want %q", result.Text, expectedText)
	}
	if result.SMSC != "+1987654321" {
		t.Errorf("Assembled SMSC = %q, want %q", result.SMSC, "+1987654321")
	}
	if result.Sender != "+1234567890" {
		t.Errorf("Assembled Sender = %q, want %q", result.Sender, "+1234567890")
	}
	if result.Part.IsMultipart {
		t.Error("Assembled message should not be marked multipart")
	}
	if result.SegmentCount() != 3 {
		t.Errorf("SegmentCount() = %d, want 3", result.SegmentCount())
	}
	if result.SourceID != 12 {
		t.Errorf("SourceID = %d, want last part's 12", result.SourceID)
	}

	wantSources := []int{10, 11, 12}
	sources := result.Sources()
	if len(sources) != len(wantSources) {
		t.Fatalf("Sources() = %v, want %v", sources, wantSources)
	}
	for i := range wantSources {
		if sources[i] != wantSources[i] {
			t.Errorf("Sources() = %v, want %v", sources, wantSources)
			break
		}
	}

	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0 after assembly", c.Pending())
	}
}

func TestConcatenator_TimestampFromFirstSeenPart(t *testing.T) {
	c := NewConcatenator(PartTimeout)

	first := newPart("+1234567890", 7, 2, 2, "b", 1)
	second := newPart("+1234567890", 7, 1, 2, "a", 2)
	second.Timestamp = first.Timestamp.Add(time.Minute)

	c.AddPart(first)
	result := c.AddPart(second)
	if result == nil {
		t.Fatal("Should return complete message")
	}
	if !result.Timestamp.Equal(first.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", result.Timestamp, first.Timestamp)
	}
}

func TestConcatenator_DifferentSenders(t *testing.T) {
	c := NewConcatenator(PartTimeout)

	// Two different senders with same ref number
	c.AddPart(newPart("+1111111111", 1, 1, 2, "From sender 1 part 1", 1))
	c.AddPart(newPart("+2222222222", 1, 1, 2, "From sender 2 part 1", 2))

	if c.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", c.Pending())
	}

	result := c.AddPart(newPart("+2222222222", 1, 2, 2, " part 2", 3))
	if result == nil {
		t.Fatal("Should return complete message")
	}
	if result.Text != "From sender 2 part 1 part 2" {
		t.Errorf("Text = %q", result.Text)
	}
	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}
}

func TestConcatenator_SinglePartIdentity(t *testing.T) {
	c := NewConcatenator(PartTimeout)

	msg, err := ParsePDU(pduHello)
	if err != nil {
		t.Fatalf("ParsePDU() error = %v", err)
	}
	msg.SourceID = 5
	before := *msg

	result := c.AddPart(msg)
	if result != msg {
		t.Fatal("Non-multipart should be returned as is")
	}
	if result.Text != before.Text || result.Sender != before.Sender || result.SourceID != before.SourceID {
		t.Errorf("message changed: got %+v, want %+v", *result, before)
	}
	if result.SegmentCount() != 1 {
		t.Errorf("SegmentCount() = %d, want 1", result.SegmentCount())
	}
	if got := result.Sources(); len(got) != 1 || got[0] != 5 {
		t.Errorf("Sources() = %v, want [5]", got)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
}

func TestConcatenator_DuplicatePartOverwrites(t *testing.T) {
	c := NewConcatenator(PartTimeout)

	c.AddPart(newPart("+1", 9, 1, 2, "old", 1))
	c.AddPart(newPart("+1", 9, 1, 2, "new", 1))
	result := c.AddPart(newPart("+1", 9, 2, 2, "!", 2))
	if result == nil {
		t.Fatal("Should return complete message")
	}
	if result.Text != "new!" {
		t.Errorf("Text = %q, want %q", result.Text, "new!")
	}
}

func TestConcatenator_OutOfRangePartDropped(t *testing.T) {
	c := NewConcatenator(PartTimeout)

	c.AddPart(newPart("+1", 3, 1, 2, "a", 1))
	// buffer was sized by the first part seen
	if got := c.AddPart(newPart("+1", 3, 3, 3, "c", 3)); got != nil {
		t.Error("Out of range part should not complete a message")
	}
	result := c.AddPart(newPart("+1", 3, 2, 2, "b", 2))
	if result == nil {
		t.Fatal("Should return complete message")
	}
	if result.Text != "ab" {
		t.Errorf("Text = %q, want %q", result.Text, "ab")
	}
}

func TestConcatenator_Cleanup(t *testing.T) {
	c, now := fakeClock(PartTimeout)
	created := *now

	c.AddPart(newPart("+1234567890", 42, 1, 3, "one ", 1))
	c.AddPart(newPart("+1234567890", 42, 2, 3, "two ", 2))

	if n := c.Cleanup(created.Add(PartTimeout)); n != 0 {
		t.Errorf("Cleanup() at exactly the timeout dropped %d, want 0", n)
	}
	if c.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", c.Pending())
	}

	if n := c.Cleanup(created.Add(300001 * time.Millisecond)); n != 1 {
		t.Errorf("Cleanup() dropped %d, want 1", n)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0 after cleanup", c.Pending())
	}

	// the third part starts a fresh buffer instead of completing the old one
	*now = created.Add(301 * time.Second)
	if got := c.AddPart(newPart("+1234567890", 42, 3, 3, "three", 3)); got != nil {
		t.Errorf("AddPart() after cleanup = %+v, want nil", got)
	}
	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}
}

func TestConcatenator_OnDrop(t *testing.T) {
	c, now := fakeClock(time.Minute)

	var dropped []int
	c.OnDrop(func(sources []int) { dropped = append(dropped, sources...) })

	c.AddPart(newPart("+1", 1, 1, 3, "a", 4))
	c.AddPart(newPart("+1", 1, 3, 3, "c", 9))

	*now = now.Add(30 * time.Second)
	c.AddPart(newPart("+2", 2, 1, 2, "x", 6))

	if n := c.Cleanup(now.Add(45 * time.Second)); n != 1 {
		t.Fatalf("Cleanup() dropped %d, want 1", n)
	}
	if len(dropped) != 2 || dropped[0] != 4 || dropped[1] != 9 {
		t.Errorf("dropped sources = %v, want [4 9]", dropped)
	}
	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}
}

func TestConcatenator_OnDropIncludesOutOfRangeParts(t *testing.T) {
	c, now := fakeClock(time.Minute)

	var dropped []int
	c.OnDrop(func(sources []int) { dropped = append(dropped, sources...) })

	if got := c.AddPart(newPart("+1", 42, 4, 3, "hi", 7)); got != nil {
		t.Fatalf("AddPart() = %+v, want nil", got)
	}
	// listed again on the next poll
	c.AddPart(newPart("+1", 42, 4, 3, "hi", 7))
	if c.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", c.Pending())
	}

	if n := c.Cleanup(now.Add(2 * time.Minute)); n != 1 {
		t.Fatalf("Cleanup() dropped %d, want 1", n)
	}
	if len(dropped) != 1 || dropped[0] != 7 {
		t.Errorf("dropped sources = %v, want [7]", dropped)
	}
}

func TestNewConcatenator_DefaultTimeout(t *testing.T) {
	c := NewConcatenator(0)
	if c.timeout != PartTimeout {
		t.Errorf("timeout = %v, want %v", c.timeout, PartTimeout)
	}
}
