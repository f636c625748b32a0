package chat

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-sync/internal/model"
	registrystore "github.com/chirino/chat-sync/internal/registry/store"
	"github.com/chirino/chat-sync/internal/security"
)

// ForwardError reports the targets a forward could not reach. Targets
// missing from Failed received their copy.
type ForwardError struct {
	Failed map[string]error
}

func (e *ForwardError) Error() string {
	ids := slices.Sorted(maps.Keys(e.Failed))
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%s: %v", id, e.Failed[id])
	}
	return fmt.Sprintf("forward failed for %d target(s): %s", len(ids), strings.Join(parts, "; "))
}

// Forward copies a message into every target conversation concurrently.
// It returns true only when every target succeeded; otherwise the error is
// a *ForwardError and the copies that were written stay.
func (e *Engine) Forward(ctx context.Context, actorID, messageID string, targetIDs []string) (bool, error) {
	targets := uniqueTargets(targetIDs)
	if len(targets) == 0 {
		return false, &registrystore.ValidationError{Field: "targets", Message: "at least one target conversation is required"}
	}

	src, err := e.message(ctx, messageID)
	if err != nil {
		return false, err
	}
	if src.Tombstoned(actorID) {
		return false, &registrystore.ValidationError{Field: "messageId", Message: "deleted or revoked messages cannot be forwarded"}
	}
	if src.Type == model.MessageTypeNotification {
		return false, &registrystore.ValidationError{Field: "messageId", Message: "notifications cannot be forwarded"}
	}
	if _, err := e.memberConversation(ctx, actorID, src.ConversationID); err != nil {
		return false, err
	}

	req := SendMessageRequest{
		SenderID: actorID,
		Type:     src.Type,
		Content:  src.Content,
	}
	if src.Type.IsMedia() {
		req.URL = src.URL
	}
	opts := sendOptions{createdAt: e.nowMillis(), forwarded: true}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed = map[string]error{}
	)
	for _, target := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := req
			r.ConversationID = target
			_, err := e.sendMessage(ctx, r, opts)
			security.ForwardTarget(err == nil)
			if err != nil {
				log.Warn("Forward to conversation failed", "message", messageID, "target", target, "err", err)
				mu.Lock()
				failed[target] = err
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(failed) > 0 {
		return false, &ForwardError{Failed: failed}
	}
	return true, nil
}

func uniqueTargets(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
