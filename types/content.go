package types

import "fmt"

// StructuredContent is the polymorphic payload of a NormalizedMessage.
// Downstream code dispatches through these methods instead of type-testing
// the concrete variant.
type StructuredContent interface {
	// Importance returns the message importance in [0, 1].
	Importance() float64

	// DisplayText returns the LLM-ready textual rendering.
	DisplayText() string

	// UserID returns the originating user ID, if the variant carries one.
	UserID() (string, bool)

	// RequiresSpecialHandling reports whether downstream consumers should
	// prioritize this content (paid or membership events).
	RequiresSpecialHandling() bool
}

// TextContent is a plain chat or console message.
type TextContent struct {
	Text string `json:"text"`
	User string `json:"user,omitempty"`
}

func (c TextContent) Importance() float64 { return 0.5 }

func (c TextContent) DisplayText() string { return c.Text }

func (c TextContent) UserID() (string, bool) { return c.User, c.User != "" }

func (c TextContent) RequiresSpecialHandling() bool { return false }

// GiftContent is a gift event from a live platform.
type GiftContent struct {
	GiftName string  `json:"gift_name"`
	Count    int     `json:"count"`
	Price    float64 `json:"price"`
	User     string  `json:"user,omitempty"`
	UserName string  `json:"user_name,omitempty"`
}

// Importance scales with total gift value, saturating at 1.
func (c GiftContent) Importance() float64 {
	total := c.Price * float64(max(c.Count, 1))
	score := 0.6 + total/100.0
	return clamp01(score)
}

func (c GiftContent) DisplayText() string {
	name := c.UserName
	if name == "" {
		name = "someone"
	}
	count := max(c.Count, 1)
	return fmt.Sprintf("%s sent %d x %s", name, count, c.GiftName)
}

func (c GiftContent) UserID() (string, bool) { return c.User, c.User != "" }

func (c GiftContent) RequiresSpecialHandling() bool { return true }

// SuperChatContent is a paid highlighted message.
type SuperChatContent struct {
	Text     string  `json:"text"`
	Price    float64 `json:"price"`
	User     string  `json:"user,omitempty"`
	UserName string  `json:"user_name,omitempty"`
}

func (c SuperChatContent) Importance() float64 {
	return clamp01(0.7 + c.Price/200.0)
}

func (c SuperChatContent) DisplayText() string {
	name := c.UserName
	if name == "" {
		name = "someone"
	}
	return fmt.Sprintf("%s (super chat): %s", name, c.Text)
}

func (c SuperChatContent) UserID() (string, bool) { return c.User, c.User != "" }

func (c SuperChatContent) RequiresSpecialHandling() bool { return true }

// MembershipContent is a channel membership or subscription event.
type MembershipContent struct {
	Level    string `json:"level,omitempty"`
	Months   int    `json:"months,omitempty"`
	User     string `json:"user,omitempty"`
	UserName string `json:"user_name,omitempty"`
}

func (c MembershipContent) Importance() float64 { return 0.9 }

func (c MembershipContent) DisplayText() string {
	name := c.UserName
	if name == "" {
		name = "someone"
	}
	if c.Level != "" {
		return fmt.Sprintf("%s became a %s member", name, c.Level)
	}
	return fmt.Sprintf("%s became a member", name)
}

func (c MembershipContent) UserID() (string, bool) { return c.User, c.User != "" }

func (c MembershipContent) RequiresSpecialHandling() bool { return true }

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
