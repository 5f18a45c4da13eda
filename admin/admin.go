package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/jakepeg/doo-journal-sub000/generation"
	"github.com/jakepeg/doo-journal-sub000/reqCache"
	"github.com/jakepeg/doo-journal-sub000/store"
	"go.uber.org/zap"
)

// API 管理 API
type API struct {
	cache     *reqCache.Cache
	janitor   *reqCache.Janitor
	lifecycle *reqCache.Lifecycle
	publisher generation.Publisher
	logger    *zap.Logger
}

// NewAPI 创建管理 API
func NewAPI(cache *reqCache.Cache, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.L()
	}

	return &API{
		cache:  cache,
		logger: logger.With(zap.String("component", "admin_api")),
	}
}

// RegisterJanitor 注册清理器, 之后可以手动触发清理
func (a *API) RegisterJanitor(j *reqCache.Janitor) {
	a.janitor = j
}

// RegisterLifecycle 注册生命周期管理，没有发布者时直接在本节点切换版本
func (a *API) RegisterLifecycle(l *reqCache.Lifecycle) {
	a.lifecycle = l
}

// RegisterPublisher 注册版本发布者（etcd），新版本号会同步到所有节点
func (a *API) RegisterPublisher(p generation.Publisher) {
	a.publisher = p
}

// RegisterHandlers 注册 HTTP 处理器
func (a *API) RegisterHandlers(mux *http.ServeMux, prefix string) {
	if prefix == "" {
		prefix = "/admin"
	}

	mux.HandleFunc(prefix+"/stats", a.handleStats)
	mux.HandleFunc(prefix+"/stores", a.handleStores)
	mux.HandleFunc(prefix+"/stores/delete", a.handleStoreDelete)
	mux.HandleFunc(prefix+"/entry", a.handleEntry)
	mux.HandleFunc(prefix+"/sweep", a.handleSweep)
	mux.HandleFunc(prefix+"/generation", a.handleGeneration)
	mux.HandleFunc(prefix+"/system", a.handleSystem)

	a.logger.Info("registered admin API handlers", zap.String("prefix", prefix))
}

// StatsResponse 统计响应
type StatsResponse struct {
	Generation string         `json:"generation"`
	Cache      reqCache.Stats `json:"cache"`
	HitRate    float64        `json:"hit_rate"`
	System     SystemStats    `json:"system"`
	Timestamp  time.Time      `json:"timestamp"`
}

// SystemStats 系统统计
type SystemStats struct {
	Goroutines    int     `json:"goroutines"`
	HeapAlloc     uint64  `json:"heap_alloc"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

var startTime = time.Now()

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := a.cache.GetStats()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	uptime := time.Since(startTime)

	a.writeJSON(w, http.StatusOK, StatsResponse{
		Generation: a.cache.Generation(),
		Cache:      stats,
		HitRate:    stats.HitRate(),
		System: SystemStats{
			Goroutines:    runtime.NumGoroutine(),
			HeapAlloc:     memStats.HeapAlloc,
			Uptime:        uptime.String(),
			UptimeSeconds: uptime.Seconds(),
		},
		Timestamp: time.Now(),
	})
}

// StoreInfo 存储概况
type StoreInfo struct {
	Name    string `json:"name"`
	Class   string `json:"class"`
	Tag     string `json:"tag"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

// StoresResponse 存储列表响应
type StoresResponse struct {
	Stores []StoreInfo `json:"stores"`
	Count  int         `json:"count"`
}

func (a *API) handleStores(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	names, err := a.cache.Store().StoreNames(ctx)
	if err != nil {
		a.logger.Error("failed to list stores", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	sort.Strings(names)

	current := a.cache.Generation()
	resp := StoresResponse{Stores: make([]StoreInfo, 0, len(names))}
	for _, name := range names {
		keys, err := a.cache.Store().Keys(ctx, name)
		if err != nil {
			a.logger.Warn("failed to list keys", zap.String("store", name), zap.Error(err))
		}
		class, tag, _ := store.ParseName(name)
		resp.Stores = append(resp.Stores, StoreInfo{
			Name:    name,
			Class:   class,
			Tag:     tag,
			Entries: len(keys),
			Current: tag == current,
		})
	}
	resp.Count = len(resp.Stores)

	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleStoreDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := r.URL.Query().Get("store")
	if name == "" {
		http.Error(w, "store parameter is required", http.StatusBadRequest)
		return
	}

	if err := a.cache.Store().DeleteStore(r.Context(), name); err != nil {
		a.logger.Error("failed to delete store", zap.String("store", name), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	a.logger.Info("store deleted", zap.String("store", name))
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"store":   name,
	})
}

// EntryResponse 条目详情（调试用），响应体只返回长度
type EntryResponse struct {
	Store    string      `json:"store"`
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Size     int         `json:"size"`
	CachedAt time.Time   `json:"cached_at"`
	Age      string      `json:"age"`
	Fresh    bool        `json:"fresh"`
}

func (a *API) handleEntry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := r.URL.Query().Get("store")
	key := r.URL.Query().Get("key")
	if name == "" || key == "" {
		http.Error(w, "store and key parameters are required", http.StatusBadRequest)
		return
	}

	e, err := a.cache.Store().Get(r.Context(), name, key)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "entry not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	now := time.Now()
	fresh := false
	if class, _, ok := store.ParseName(name); ok {
		if maxAge, ok := a.cache.Router().ClassMaxAge(class); ok {
			fresh = reqCache.IsFresh(e, maxAge, now)
		}
	}

	a.writeJSON(w, http.StatusOK, EntryResponse{
		Store:    name,
		Key:      e.Key,
		Status:   e.Response.Status,
		Header:   e.Response.Header,
		Size:     len(e.Response.Body),
		CachedAt: e.CachedAt,
		Age:      now.Sub(e.CachedAt).Round(time.Second).String(),
		Fresh:    fresh,
	})
}

func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.janitor == nil {
		http.Error(w, "janitor not registered", http.StatusNotImplemented)
		return
	}

	result, err := a.janitor.Sweep(r.Context())
	if err != nil {
		a.logger.Warn("manual sweep finished with errors", zap.Error(err))
	}
	a.writeJSON(w, http.StatusOK, result)
}

func (a *API) handleGeneration(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.writeJSON(w, http.StatusOK, map[string]interface{}{
			"generation": a.cache.Generation(),
			"stores":     a.lifecycleStores(),
		})
	case http.MethodPost:
		tag := r.URL.Query().Get("tag")
		if tag == "" {
			http.Error(w, "tag parameter is required", http.StatusBadRequest)
			return
		}

		var err error
		mode := "published"
		switch {
		case a.publisher != nil:
			err = a.publisher.Publish(r.Context(), tag)
		case a.lifecycle != nil:
			mode = "activated"
			err = a.lifecycle.Run(r.Context(), tag)
		default:
			http.Error(w, "generation cannot be changed", http.StatusNotImplemented)
			return
		}
		if err != nil {
			a.logger.Error("failed to change generation", zap.String("generation", tag), zap.Error(err))
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		a.logger.Info("generation change requested", zap.String("generation", tag), zap.String("mode", mode))
		a.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"success":    true,
			"generation": tag,
			"mode":       mode,
		})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) lifecycleStores() []string {
	if a.lifecycle == nil {
		return nil
	}
	return a.lifecycle.RequiredStores(a.cache.Generation())
}

func (a *API) handleSystem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(startTime)

	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"go_version": runtime.Version(),
		"goroutines": runtime.NumGoroutine(),
		"cpus":       runtime.NumCPU(),
		"uptime":     uptime.String(),
		"memory": map[string]interface{}{
			"alloc":       memStats.Alloc,
			"total_alloc": memStats.TotalAlloc,
			"sys":         memStats.Sys,
			"num_gc":      memStats.NumGC,
		},
	})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", zap.Error(err))
	}
}

// HTTPHandler 返回一个 HTTP 处理器
func (a *API) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	a.RegisterHandlers(mux, "/admin")
	return mux
}
