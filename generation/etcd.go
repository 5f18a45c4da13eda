package generation

import (
	"context"
	"errors"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdSource 基于 etcd 的版本来源
// key 的值就是版本号，部署新版本时写入新的值
type EtcdSource struct {
	client *clientv3.Client
	key    string
	logger *zap.Logger
}

func NewEtcdSource(config *Config, logger *zap.Logger) (*EtcdSource, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if len(config.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints are required")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
		Username:    config.Username,
		Password:    config.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return NewEtcdSourceWithClient(client, config.Key, logger), nil
}

// NewEtcdSourceWithClient 使用已有的客户端，Close 时会关闭它
func NewEtcdSourceWithClient(client *clientv3.Client, key string, logger *zap.Logger) *EtcdSource {
	if key == "" {
		key = DefaultConfig().Key
	}
	if logger == nil {
		logger = zap.L()
	}
	return &EtcdSource{
		client: client,
		key:    key,
		logger: logger.With(zap.String("component", "generation"), zap.String("key", key)),
	}
}

func (e *EtcdSource) Current(ctx context.Context) (string, error) {
	resp, err := e.client.Get(ctx, e.key)
	if err != nil {
		return "", fmt.Errorf("failed to read generation: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return "", ErrNoGeneration
	}
	tag := normalize(string(resp.Kvs[0].Value))
	if tag == "" {
		return "", ErrNoGeneration
	}
	return tag, nil
}

func (e *EtcdSource) Publish(ctx context.Context, tag string) error {
	tag = normalize(tag)
	if tag == "" {
		return errors.New("generation tag is required")
	}
	if _, err := e.client.Put(ctx, e.key, tag); err != nil {
		return fmt.Errorf("failed to publish generation: %w", err)
	}
	e.logger.Info("published generation", zap.String("generation", tag))
	return nil
}

func (e *EtcdSource) Watch(ctx context.Context) (<-chan string, error) {
	resp, err := e.client.Get(ctx, e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to read generation: %w", err)
	}

	// 从读到的 revision 之后开始监听，不会漏掉中间的写入
	watchChan := e.client.Watch(ctx, e.key, clientv3.WithRev(resp.Header.Revision+1))
	tagChan := make(chan string, 1)
	if len(resp.Kvs) > 0 {
		if tag := normalize(string(resp.Kvs[0].Value)); tag != "" {
			tagChan <- tag
		}
	}

	go func() {
		defer close(tagChan)
		for {
			select {
			case watchResp, ok := <-watchChan:
				if !ok {
					e.logger.Info("watch channel closed")
					return
				}
				if err := watchResp.Err(); err != nil {
					e.logger.Warn("watch error", zap.Error(err))
					continue
				}
				for _, event := range watchResp.Events {
					if event.Type != clientv3.EventTypePut {
						continue
					}
					tag := normalize(string(event.Kv.Value))
					if tag == "" {
						continue
					}
					select {
					case tagChan <- tag:
					case <-ctx.Done():
						return
					}
				}
			case <-ctx.Done():
				e.logger.Debug("context cancelled, stop watching")
				return
			}
		}
	}()
	return tagChan, nil
}

func (e *EtcdSource) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

var (
	_ Source    = (*EtcdSource)(nil)
	_ Publisher = (*EtcdSource)(nil)
)
