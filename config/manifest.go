package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest 预缓存清单
//
//	origin: https://journal.example
//	urls:
//	  - /
//	  - /index.html
//	  - https://cdn.example/fonts/inter.woff2
type Manifest struct {
	Origin string   `yaml:"origin"`
	URLs   []string `yaml:"urls"`
}

// LoadManifest 读取 YAML 清单，路径为空时返回空清单
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return &Manifest{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest 解析 YAML 清单
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// Resolve 把相对路径拼到 origin 上并去重
// 清单里的 origin 优先，为空时使用 fallbackOrigin
func (m *Manifest) Resolve(fallbackOrigin string) ([]string, error) {
	origin := m.Origin
	if origin == "" {
		origin = fallbackOrigin
	}

	var base *url.URL
	if origin != "" {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("manifest origin must be an absolute url: %q", origin)
		}
		base = u
	}

	seen := make(map[string]bool, len(m.URLs))
	out := make([]string, 0, len(m.URLs))
	for _, raw := range m.URLs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid manifest url %q: %w", raw, err)
		}
		if !u.IsAbs() {
			if base == nil {
				return nil, fmt.Errorf("relative manifest url %q needs an origin", raw)
			}
			u = base.ResolveReference(u)
		}
		s := u.String()
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, nil
}
