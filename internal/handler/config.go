package handler

import (
	"net/http"

	"github.com/supportchat/internal/config"
	"github.com/supportchat/internal/router"
)

// ConfigHandler отдаёт публичные параметры для виджета чата.
type ConfigHandler struct {
	cfg *config.Config
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

type widgetConfig struct {
	WSPath           string `json:"ws_path"`
	MaxMessageLength int    `json:"max_message_length"`
	PushEnabled      bool   `json:"push_enabled"`
}

// GetWidgetConfig — GET /api/config (без авторизации).
func (h *ConfigHandler) GetWidgetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, widgetConfig{
		WSPath:           "/ws",
		MaxMessageLength: router.MaxTextLen,
		PushEnabled:      h.cfg.PushServiceURL != "",
	})
}
