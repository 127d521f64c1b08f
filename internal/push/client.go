package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/supportchat/internal/logger"
)

// AudienceStaff — получатели уведомления: все операторы организации.
const AudienceStaff = "staff"

// Client вызывает микросервис пуш-уведомлений. Если URL пустой — методы no-op.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент. baseURL пустой — пуши отключены.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		return &Client{}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Enabled — задан ли URL сервиса.
func (c *Client) Enabled() bool { return c.baseURL != "" }

// NotifyRequest — запрос на отправку уведомления операторам организации.
type NotifyRequest struct {
	OrganizationID string            `json:"organization_id"`
	Audience       string            `json:"audience"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Data           map[string]string `json:"data,omitempty"`
}

// NotifyOrganization шлёт пуш всем операторам организации (новый чат в очереди).
// Ошибки только логируются: пуш не должен влиять на обработку события.
func (c *Client) NotifyOrganization(ctx context.Context, orgID, title, body string, data map[string]string) {
	if c.baseURL == "" {
		return
	}
	if err := c.notify(ctx, NotifyRequest{OrganizationID: orgID, Audience: AudienceStaff, Title: title, Body: body, Data: data}); err != nil {
		logger.Errorf("push notify org=%s: %v", orgID, err)
	}
}

func (c *Client) notify(ctx context.Context, payload NotifyRequest) error {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/notify", bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
