package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"im-sync/internal/imtypes"
)

func title(c imtypes.ConversationSummary) string {
	if c.Name != "" {
		return c.Name
	}
	if c.Counterpart != nil {
		if c.Counterpart.Nickname != "" {
			return c.Counterpart.Nickname
		}
		return c.Counterpart.Username
	}
	return c.ID
}

// renderer 把消息列表的变化逐行打印出来：新消息、状态变化和表情变化各打印一次。
type renderer struct {
	mu      sync.Mutex
	out     io.Writer
	viewer  string
	printed map[string]string // 消息 key -> 上次打印的行
}

func newRenderer(out io.Writer, viewer string) *renderer {
	return &renderer{out: out, viewer: viewer, printed: make(map[string]string)}
}

// render 打印 msgs 中尚未打印或已变化的行，返回打印的行数。
func (r *renderer) render(msgs []imtypes.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range msgs {
		key := m.TempID
		if key == "" {
			key = m.ID
		}
		line := r.line(m)
		if r.printed[key] == line {
			continue
		}
		r.printed[key] = line
		fmt.Fprintln(r.out, line)
		n++
	}
	return n
}

func (r *renderer) line(m imtypes.Message) string {
	var b strings.Builder
	b.WriteString(m.CreatedAt.Local().Format("15:04"))
	b.WriteString(" ")
	if m.SenderID == r.viewer {
		b.WriteString("me")
	} else {
		b.WriteString(m.SenderID)
	}
	if m.ID != "" {
		fmt.Fprintf(&b, " #%s", m.ID)
	}
	b.WriteString(": ")
	if m.ReplyTo != nil {
		fmt.Fprintf(&b, "[> %s] ", m.ReplyTo.Preview)
	}
	b.WriteString(m.Content.Preview())
	switch m.Status {
	case imtypes.StatusPending:
		b.WriteString(" (sending)")
	case imtypes.StatusFailed:
		fmt.Fprintf(&b, " (failed, /retry %s)", m.TempID)
	}
	if len(m.Reactions) > 0 {
		b.WriteString("  ")
		for _, rc := range m.Reactions {
			b.WriteString(rc.Emoji)
		}
	}
	return b.String()
}
