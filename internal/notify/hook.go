package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"gorm.io/gorm"

	"go_dbchange/internal/model"
)

// HookSink posts events to the hooks registered on the order
type HookSink struct {
	db     *gorm.DB
	client *http.Client
}

// NewHookSink creates a hook sink
func NewHookSink(db *gorm.DB, client *http.Client) *HookSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HookSink{db: db, client: client}
}

// Name implements Sink
func (s *HookSink) Name() string { return "hook" }

// Send implements Sink. Hook registrations are not delivered; a hook only
// hears about changes made after it was registered.
func (s *HookSink) Send(ctx context.Context, e Event) error {
	if e.Action == model.OpActionHook {
		return nil
	}
	var hooks []model.OrderHook
	if err := s.db.WithContext(ctx).Where("order_id = ?", e.OrderID).Find(&hooks).Error; err != nil {
		return fmt.Errorf("load hooks: %w", err)
	}

	var firstErr error
	for _, hook := range hooks {
		if err := s.post(ctx, hook, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HookPayload builds the request body for a hook type
func HookPayload(hookType model.HookType, e Event) any {
	text := e.Text()
	switch hookType {
	case model.HookTypeDingTalk, model.HookTypeWeChat:
		return map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": text},
		}
	case model.HookTypeFeishu:
		return map[string]any{
			"msg_type": "text",
			"content":  map[string]string{"text": text},
		}
	default:
		return e
	}
}

func (s *HookSink) post(ctx context.Context, hook model.OrderHook, e Event) error {
	body, err := json.Marshal(HookPayload(hook.HookType, e))
	if err != nil {
		return fmt.Errorf("failed to marshal hook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.HookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create hook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("hook %d: %w", hook.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("hook %d returned status %d: %s", hook.ID, resp.StatusCode, string(msg))
	}
	return nil
}
