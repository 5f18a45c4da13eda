package reqCache

import (
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// Strategy 缓存与网络的组合方式
type Strategy int

const (
	NetworkFirst Strategy = iota
	CacheFirst
	StaleWhileRevalidate
)

func (s Strategy) String() string {
	switch s {
	case NetworkFirst:
		return "network_first"
	case CacheFirst:
		return "cache_first"
	case StaleWhileRevalidate:
		return "stale_while_revalidate"
	default:
		return "unknown"
	}
}

// 存储类别，实际的存储名是 "<class>-<version>"
const (
	ClassStatic  = "static"
	ClassDynamic = "dynamic"
	ClassRuntime = "runtime"
)

var (
	imageExts = map[string]bool{
		".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
		".webp": true, ".avif": true, ".svg": true, ".ico": true,
	}
	assetExts = map[string]bool{
		".js": true, ".mjs": true, ".css": true,
		".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	}
)

// Rule 路由规则: 命中条件 + 存储类别 + 策略 + 最大缓存时间
type Rule struct {
	Name     string
	Match    func(r *http.Request) bool
	Class    string
	Strategy Strategy
	MaxAge   time.Duration
}

// RouterConfig 路由配置
type RouterConfig struct {
	RemoteHosts    []string      // 远端计算平台的主机名通配符，如 "*.supabase.co"，"*" 不跨越 "."
	APIPrefixes    []string      // API 路径前缀
	PageMaxAge     time.Duration // 页面导航
	APIMaxAge      time.Duration // 远端 API
	ImageMaxAge    time.Duration // 图片和图标
	AssetMaxAge    time.Duration // 脚本、样式、字体
	FallbackMaxAge time.Duration // 其它
}

// DefaultRouterConfig 默认配置
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		RemoteHosts:    []string{"*.supabase.co"},
		APIPrefixes:    []string{"/rest/v1/", "/functions/v1/"},
		PageMaxAge:     24 * time.Hour,
		APIMaxAge:      5 * time.Minute,
		ImageMaxAge:    30 * 24 * time.Hour,
		AssetMaxAge:    7 * 24 * time.Hour,
		FallbackMaxAge: 24 * time.Hour,
	}
}

// Router 按请求特征选出规则，按顺序匹配，第一条命中的生效
type Router struct {
	rules []Rule
}

// NewRouter 构建规则表，最后一条兜底规则匹配所有请求
func NewRouter(cfg RouterConfig) (*Router, error) {
	def := DefaultRouterConfig()
	if cfg.PageMaxAge <= 0 {
		cfg.PageMaxAge = def.PageMaxAge
	}
	if cfg.APIMaxAge <= 0 {
		cfg.APIMaxAge = def.APIMaxAge
	}
	if cfg.ImageMaxAge <= 0 {
		cfg.ImageMaxAge = def.ImageMaxAge
	}
	if cfg.AssetMaxAge <= 0 {
		cfg.AssetMaxAge = def.AssetMaxAge
	}
	if cfg.FallbackMaxAge <= 0 {
		cfg.FallbackMaxAge = def.FallbackMaxAge
	}

	hosts := make([]glob.Glob, 0, len(cfg.RemoteHosts))
	for _, h := range cfg.RemoteHosts {
		g, err := glob.Compile(strings.ToLower(h), '.')
		if err != nil {
			return nil, fmt.Errorf("invalid remote host pattern %q: %w", h, err)
		}
		hosts = append(hosts, g)
	}
	prefixes := append([]string(nil), cfg.APIPrefixes...)

	return &Router{rules: []Rule{
		{
			Name:     "page",
			Match:    IsPageRequest,
			Class:    ClassDynamic,
			Strategy: NetworkFirst,
			MaxAge:   cfg.PageMaxAge,
		},
		{
			Name: "remote_api",
			Match: func(r *http.Request) bool {
				return matchHost(hosts, r.URL.Hostname()) && hasPrefix(prefixes, r.URL.Path)
			},
			Class:    ClassRuntime,
			Strategy: StaleWhileRevalidate,
			MaxAge:   cfg.APIMaxAge,
		},
		{
			Name:     "image",
			Match:    func(r *http.Request) bool { return imageExts[ext(r)] },
			Class:    ClassStatic,
			Strategy: CacheFirst,
			MaxAge:   cfg.ImageMaxAge,
		},
		{
			Name:     "asset",
			Match:    func(r *http.Request) bool { return assetExts[ext(r)] },
			Class:    ClassStatic,
			Strategy: CacheFirst,
			MaxAge:   cfg.AssetMaxAge,
		},
		{
			Name:     "fallback",
			Match:    func(*http.Request) bool { return true },
			Class:    ClassRuntime,
			Strategy: NetworkFirst,
			MaxAge:   cfg.FallbackMaxAge,
		},
	}}, nil
}

// MustNewRouter 配置非法时 panic
func MustNewRouter(cfg RouterConfig) *Router {
	rt, err := NewRouter(cfg)
	if err != nil {
		panic(err)
	}
	return rt
}

// Eligible 只有 http(s) 的 GET 请求才走缓存
func (rt *Router) Eligible(r *http.Request) bool {
	if r.Method != http.MethodGet || r.URL == nil {
		return false
	}
	switch strings.ToLower(r.URL.Scheme) {
	case "http", "https":
		return true
	default:
		return false
	}
}

// Classify 返回第一条匹配的规则
func (rt *Router) Classify(r *http.Request) Rule {
	for _, rule := range rt.rules {
		if rule.Match(r) {
			return rule
		}
	}
	panic("reqCache: no routing rule matched " + r.URL.String())
}

// Rules 返回规则表的副本
func (rt *Router) Rules() []Rule {
	return append([]Rule(nil), rt.rules...)
}

// Classes 返回规则用到的所有存储类别
func (rt *Router) Classes() []string {
	seen := make(map[string]bool)
	var classes []string
	for _, rule := range rt.rules {
		if !seen[rule.Class] {
			seen[rule.Class] = true
			classes = append(classes, rule.Class)
		}
	}
	sort.Strings(classes)
	return classes
}

// ClassMaxAge 某个类别下所有规则中最长的缓存时间
func (rt *Router) ClassMaxAge(class string) (time.Duration, bool) {
	var maxAge time.Duration
	found := false
	for _, rule := range rt.rules {
		if rule.Class == class {
			found = true
			if rule.MaxAge > maxAge {
				maxAge = rule.MaxAge
			}
		}
	}
	return maxAge, found
}

// EntryMaxAge 按缓存 key 还原请求，在该类别的规则里找出第一条匹配的规则的缓存时间
// 依赖请求头的规则（页面导航）无法还原，此时退回类别的最长缓存时间
func (rt *Router) EntryMaxAge(class, key string) (time.Duration, bool) {
	classMax, ok := rt.ClassMaxAge(class)
	if !ok {
		return 0, false
	}
	method, rawURL, found := strings.Cut(key, " ")
	if !found {
		return classMax, true
	}
	r, err := http.NewRequest(method, rawURL, nil)
	if err != nil {
		return classMax, true
	}
	for _, rule := range rt.rules {
		if rule.Class == class && rule.Match(r) {
			return rule.MaxAge, true
		}
	}
	return classMax, true
}

// IsNavigation 浏览器页面导航请求
func IsNavigation(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate")
}

// IsPageRequest 导航或者接受 HTML 的请求
func IsPageRequest(r *http.Request) bool {
	return IsNavigation(r) || strings.Contains(r.Header.Get("Accept"), "text/html")
}

func ext(r *http.Request) string {
	return strings.ToLower(path.Ext(r.URL.Path))
}

func matchHost(patterns []glob.Glob, host string) bool {
	host = strings.ToLower(host)
	for _, g := range patterns {
		if g.Match(host) {
			return true
		}
	}
	return false
}

func hasPrefix(prefixes []string, p string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
