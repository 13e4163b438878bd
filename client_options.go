// Copyright 2025 Blink Labs Software
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

package mtproto

import (
	"log/slog"
	"time"

	"github.com/blinklabs-io/gomtproto/codec"
	"github.com/blinklabs-io/gomtproto/envelope"
	"github.com/blinklabs-io/gomtproto/keepalive"
	"github.com/blinklabs-io/gomtproto/store"
	"github.com/blinklabs-io/gomtproto/transport"
	"github.com/prometheus/client_golang/prometheus"
)

// ClientOptionFunc is a type that represents functions that modify the Client config
type ClientOptionFunc func(*Client)

// WithLogger specifies the logger. The default discards everything
func WithLogger(logger *slog.Logger) ClientOptionFunc {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithDataCenters specifies the data center table. The default is DataCentersProduction
func WithDataCenters(dcs ...DataCenter) ClientOptionFunc {
	return func(c *Client) {
		c.dataCenters = cloneDataCenters(dcs)
	}
}

// WithWorkingDC specifies the data center used for queries without an explicit
// target. It takes precedence over a working data center loaded from the store
func WithWorkingDC(dc int) ClientOptionFunc {
	return func(c *Client) {
		c.workingDC = dc
		c.workingDCSet = true
	}
}

// WithAuthKey specifies the auth key for a data center. It takes precedence
// over a key loaded from the store
func WithAuthKey(dc int, authKey *envelope.AuthKey) ClientOptionFunc {
	return func(c *Client) {
		c.authKeys[dc] = authKey
	}
}

// WithStore specifies where runtime state is loaded from and saved to
func WithStore(s store.Store) ClientOptionFunc {
	return func(c *Client) {
		c.store = s
	}
}

// WithCodec specifies the payload codec. The default is CBOR
func WithCodec(cdc codec.Codec) ClientOptionFunc {
	return func(c *Client) {
		c.codec = cdc
	}
}

// WithDialer specifies how sockets are opened
func WithDialer(dialer transport.Dialer) ClientOptionFunc {
	return func(c *Client) {
		c.dialer = dialer
	}
}

// WithFramer specifies the transport framing. The default is the intermediate framing
func WithFramer(framer transport.Framer) ClientOptionFunc {
	return func(c *Client) {
		c.framer = framer
	}
}

// WithDialTimeout specifies the timeout for establishing a socket
func WithDialTimeout(timeout time.Duration) ClientOptionFunc {
	return func(c *Client) {
		c.dialTimeout = timeout
	}
}

// WithKeepAlive specifies the ping period and pong timeout
func WithKeepAlive(cfg keepalive.Config) ClientOptionFunc {
	return func(c *Client) {
		c.keepAlive = cfg
	}
}

// WithBackoff specifies the reconnect backoff
func WithBackoff(cfg transport.BackoffConfig) ClientOptionFunc {
	return func(c *Client) {
		c.backoff = cfg
	}
}

// WithMaxFailures specifies how many consecutive failures an address may have
// before the next fallback address is used
func WithMaxFailures(maxFailures int) ClientOptionFunc {
	return func(c *Client) {
		c.maxFailures = maxFailures
	}
}

// WithQueryTimeout specifies the deadline of queries submitted without one
func WithQueryTimeout(timeout time.Duration) ClientOptionFunc {
	return func(c *Client) {
		c.queryTimeout = timeout
	}
}

// WithMaxRetries specifies how often a query is retried after retryable errors
func WithMaxRetries(maxRetries int) ClientOptionFunc {
	return func(c *Client) {
		c.maxRetries = &maxRetries
	}
}

// WithMaxRedirects specifies how many data center redirects a query may follow
func WithMaxRedirects(maxRedirects int) ClientOptionFunc {
	return func(c *Client) {
		c.maxRedirects = &maxRedirects
	}
}

// WithMaxFloodWait specifies the longest server-requested wait that is retried automatically
func WithMaxFloodWait(wait time.Duration) ClientOptionFunc {
	return func(c *Client) {
		c.maxFloodWait = wait
	}
}

// WithRetryBackoff specifies the delay schedule for retryable errors
func WithRetryBackoff(cfg transport.BackoffConfig) ClientOptionFunc {
	return func(c *Client) {
		c.retryBackoff = &cfg
	}
}

// WithPrometheusRegisterer enables metrics and registers them with reg
func WithPrometheusRegisterer(reg prometheus.Registerer) ClientOptionFunc {
	return func(c *Client) {
		c.registerer = reg
	}
}
