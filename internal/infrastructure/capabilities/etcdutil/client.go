// Package etcdutil builds etcd clients from capability configuration. It is
// shared by the key-value and lock etcd backends.
package etcdutil

import (
	"fmt"
	"strings"
	"time"

	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// NewClient builds an etcd client from "endpoints" (comma separated),
// "username", "password" and "dial_timeout".
func NewClient(cfg *capabilities.InstanceConfig) (*clientv3.Client, error) {
	endpoints, err := cfg.Require("endpoints")
	if err != nil {
		return nil, err
	}
	dialTimeout, err := cfg.Duration("dial_timeout", 5*time.Second)
	if err != nil {
		return nil, err
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: dialTimeout,
		Username:    cfg.Get("username", ""),
		Password:    cfg.Get("password", ""),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return client, nil
}
