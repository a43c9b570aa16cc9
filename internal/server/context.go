package server

import (
	"context"
	"sync"

	"github.com/inercia/chatemu/internal/conversation"
)

type requestInfoKey struct{}

// requestInfo is the per-request state shared between handlers and the
// audit hook. Handlers bind the conversation they resolved; the audit hook
// reads it after the response is written.
type requestInfo struct {
	mu           sync.Mutex
	conversation *conversation.Conversation
}

func withRequestInfo(ctx context.Context) (context.Context, *requestInfo) {
	info := &requestInfo{}
	return context.WithValue(ctx, requestInfoKey{}, info), info
}

func requestInfoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(*requestInfo)
	return info
}

// bindConversation records the conversation a handler resolved.
func bindConversation(ctx context.Context, conv *conversation.Conversation) {
	if info := requestInfoFrom(ctx); info != nil {
		info.mu.Lock()
		info.conversation = conv
		info.mu.Unlock()
	}
}

func (i *requestInfo) boundConversation() *conversation.Conversation {
	if i == nil {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.conversation
}
