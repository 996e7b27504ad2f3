/*
Copyright 2023 - 2026 Dima Krasner

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cfg defines the fedcore configuration file format and defaults.
package cfg

import (
	"math"
	"time"
)

// Config represents a fedcore configuration file.
type Config struct {
	DatabasePath    string
	DatabaseOptions string

	ListenAddr string
	CertFile   string
	KeyFile    string

	BlockListPath string

	LogLevel string

	Domain string

	MaxRequestBodySize  int64
	MaxRequestAge       time.Duration
	MaxResponseBodySize int64

	MinActorAge time.Duration

	InboxRateLimit       float64
	InboxRateBurst       int
	MaxThrottledRequests int

	DeliveryWorkers       int
	DeliveryWorkerBuffer  int
	DeliveryTimeout       time.Duration
	DeliveryBatchSize     int
	MaxDeliveryAttempts   int
	DeliveryRetryInterval time.Duration
	DeliveryBaseBackoff   time.Duration
	DeliveryMaxBackoff    time.Duration

	InboxProcessWorkers      int
	InboxProcessBatchSize    int
	InboxProcessPollInterval time.Duration

	InboxStagingMaxSize   int
	InboxDedupWindow      time.Duration
	InboxFlushInterval    time.Duration
	InboxFlushBatchSize   int
	InboxFlushChunkSize   int
	InboxQueueMaxAttempts int

	RetrySchedulerInterval time.Duration
	StuckDeliveryTimeout   time.Duration
	MaintenanceInterval    time.Duration
	DeliveryRetention      time.Duration

	MaxForwardingDepth int
	MaxRecipients      int

	ResolverCacheTTL        time.Duration
	ResolverRetryInterval   time.Duration
	ResolverLockBuckets     int
	ResolverMaxIdleConns    int
	ResolverIdleConnTimeout time.Duration
	MaxInstanceRecoveryTime time.Duration

	JobTTL time.Duration
}

// FillDefaults replaces missing or invalid settings with defaults.
func (c *Config) FillDefaults() {
	if c.DatabasePath == "" {
		c.DatabasePath = "fedcore.sqlite3"
	}

	if c.DatabaseOptions == "" {
		c.DatabaseOptions = "_journal_mode=WAL&_synchronous=1&_busy_timeout=5000"
	}

	if c.ListenAddr == "" {
		c.ListenAddr = ":8443"
	}

	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}

	if c.MaxRequestBodySize <= 0 {
		c.MaxRequestBodySize = 1024 * 1024
	}

	if c.MaxRequestAge <= 0 {
		c.MaxRequestAge = time.Hour * 12
	}

	if c.MaxResponseBodySize <= 0 {
		c.MaxResponseBodySize = 1024 * 1024
	}

	if c.MinActorAge <= 0 {
		c.MinActorAge = time.Hour * 24
	}

	if c.InboxRateLimit <= 0 {
		c.InboxRateLimit = 5
	}

	if c.InboxRateBurst <= 0 {
		c.InboxRateBurst = 20
	}

	if c.MaxThrottledRequests <= 0 {
		c.MaxThrottledRequests = 2
	}

	if c.DeliveryWorkers <= 0 || c.DeliveryWorkers > math.MaxInt {
		c.DeliveryWorkers = 8
	}

	if c.DeliveryWorkerBuffer <= 0 {
		c.DeliveryWorkerBuffer = 64
	}

	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = time.Minute * 5
	}

	if c.DeliveryBatchSize <= 0 {
		c.DeliveryBatchSize = 16
	}

	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = 10
	}

	if c.DeliveryRetryInterval <= 0 {
		c.DeliveryRetryInterval = time.Minute
	}

	if c.DeliveryBaseBackoff <= 0 {
		c.DeliveryBaseBackoff = time.Second * 30
	}

	if c.DeliveryMaxBackoff <= 0 {
		c.DeliveryMaxBackoff = time.Hour * 6
	}

	if c.InboxProcessWorkers <= 0 {
		c.InboxProcessWorkers = 4
	}

	if c.InboxProcessBatchSize <= 0 {
		c.InboxProcessBatchSize = 64
	}

	if c.InboxProcessPollInterval <= 0 {
		c.InboxProcessPollInterval = time.Second
	}

	if c.InboxStagingMaxSize <= 0 {
		c.InboxStagingMaxSize = 5000
	}

	if c.InboxDedupWindow <= 0 {
		c.InboxDedupWindow = time.Second * 60
	}

	if c.InboxFlushInterval <= 0 {
		c.InboxFlushInterval = time.Millisecond * 500
	}

	if c.InboxFlushBatchSize <= 0 {
		c.InboxFlushBatchSize = 25
	}

	if c.InboxFlushChunkSize <= 0 {
		c.InboxFlushChunkSize = 5
	}

	if c.InboxQueueMaxAttempts <= 0 {
		c.InboxQueueMaxAttempts = 10
	}

	if c.RetrySchedulerInterval <= 0 {
		c.RetrySchedulerInterval = time.Second * 30
	}

	if c.StuckDeliveryTimeout <= 0 {
		c.StuckDeliveryTimeout = time.Minute * 10
	}

	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Hour
	}

	if c.DeliveryRetention <= 0 {
		c.DeliveryRetention = time.Hour * 24 * 7
	}

	if c.MaxForwardingDepth <= 0 {
		c.MaxForwardingDepth = 5
	}

	if c.MaxRecipients <= 0 {
		c.MaxRecipients = 10000
	}

	if c.ResolverCacheTTL <= 0 {
		c.ResolverCacheTTL = time.Hour * 24 * 3
	}

	if c.ResolverRetryInterval <= 0 {
		c.ResolverRetryInterval = time.Hour
	}

	if c.ResolverLockBuckets <= 0 {
		c.ResolverLockBuckets = 128
	}

	if c.ResolverMaxIdleConns <= 0 {
		c.ResolverMaxIdleConns = 128
	}

	if c.ResolverIdleConnTimeout <= 0 {
		c.ResolverIdleConnTimeout = time.Minute
	}

	if c.MaxInstanceRecoveryTime <= 0 {
		c.MaxInstanceRecoveryTime = time.Hour * 24 * 30
	}

	if c.JobTTL <= 0 {
		c.JobTTL = time.Hour * 24 * 7
	}
}
