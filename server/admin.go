package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// NewMux 组装 HTTP 路由：WebSocket 接入、健康检查、指标与管理接口
func NewMux(cfg Config, hub *Hub) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/metrics", HandleMetrics(hub)).Methods(http.MethodGet)

	if cfg.Server.AdminEnabled {
		admin := r.PathPrefix("/admin").Subrouter()
		admin.HandleFunc("/players", HandleAdminPlayers(hub)).Methods(http.MethodGet)
		admin.HandleFunc("/config", HandleAdminConfig(cfg)).Methods(http.MethodGet)
	}

	// 放在最后：ws_path 默认为 "/"，不能抢先匹配其他路由
	r.HandleFunc(cfg.Server.WSPath, hub.HandleWS).Methods(http.MethodGet)
	return r
}

// HandleMetrics 输出中继运行指标
// GET /metrics
func HandleMetrics(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{
			"players":     hub.Registry().Len(),
			"connections": hub.ConnectionCount(),
			"metrics":     hub.Metrics().Snapshot(),
		}
		writeJSON(w, payload)
	}
}

// HandleAdminPlayers 返回注册表当前快照
// GET /admin/players
func HandleAdminPlayers(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"players": hub.Registry().GetAll()})
	}
}

// HandleAdminConfig 返回当前生效的配置（只读，修改需重启）
// GET /admin/config
func HandleAdminConfig(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, cfg)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		Log.Warnw("write json response failed", "err", err)
	}
}
