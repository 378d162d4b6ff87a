// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpclient provides the HTTP client used for agent health probes
// and any other plain HTTP traffic agentlink sends.
//
// Clients are built from a Config and layer two round trippers over a
// tuned http.Transport: a logging layer that sets User-Agent, propagates
// correlation IDs and logs sanitized URLs, and an optional retry layer
// with exponential backoff and Retry-After support.
//
//	cfg := httpclient.DefaultConfig()
//	cfg.Timeout = 10 * time.Second
//	client, err := httpclient.New(cfg)
//
// Only idempotent methods (GET, HEAD, OPTIONS) are retried unless
// AllowNonIdempotentRetry is set. Authorization headers are never logged.
package httpclient
