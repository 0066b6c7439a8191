// Copyright 2024 Mediasweep Authors
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

package remote

import (
	"context"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"mediasweep/internal/common"
	"mediasweep/internal/util"
)

// Prober checks that the device accepts connections before any bulk
// remote operation starts.
type Prober struct {
	address  string
	timeout  time.Duration
	attempts uint
	dial     func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewProber creates a prober for cfg. attempts bounds the retries (0: default).
func NewProber(cfg Config, attempts uint) *Prober {
	cfg = cfg.withDefaults()
	d := &net.Dialer{Timeout: cfg.ConnectTimeout}
	return &Prober{address: cfg.Address(), timeout: cfg.ConnectTimeout, attempts: attempts, dial: d.DialContext}
}

// Probe dials the device, retrying briefly. Failure is reported as
// common.ErrTransportUnavailable.
func (p *Prober) Probe(ctx context.Context) error {
	start := time.Now()
	err := util.Retry(ctx, func() error {
		dctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		conn, err := p.dial(dctx, "tcp", p.address)
		if err != nil {
			log.WithField("address", p.address).Debugf("probe failed: %v", err)
			return fmt.Errorf("%w: %s: %w", common.ErrTransportUnavailable, p.address, err)
		}
		return conn.Close()
	}, util.ConnectRetryOptions(ctx, p.attempts)...)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"address": p.address, "elapsed": time.Since(start).Round(time.Millisecond)}).Debug("device reachable")
	return nil
}
