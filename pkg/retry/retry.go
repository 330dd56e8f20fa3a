// Copyright 2018-2024 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package retry reruns request functions that fail temporarily.
//
// A function failure is temporary when it returns an errtypes.Retriable
// wrapper; any other error propagates immediately. The wrapper is always
// resolved here: callers of a strategy never observe it.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/netheos/pcsapi/pkg/appctx"
	"github.com/netheos/pcsapi/pkg/errtypes"
)

// Invoker runs a request function, possibly several times.
type Invoker interface {
	Do(ctx context.Context, fn func() error) error
}

// Strategy retries up to MaxAttempts times, sleeping between attempts with
// exponential back-off: FirstSleep · rand[0.5,1.5) · 2^(attempt-1), unless
// the retriable error carries an explicit delay. The strategy is immutable
// and shared between requests.
type Strategy struct {
	MaxAttempts int
	FirstSleep  time.Duration
}

// NewStrategy returns a strategy with the given attempt budget and initial
// sleep duration.
func NewStrategy(maxAttempts int, firstSleep time.Duration) *Strategy {
	return &Strategy{MaxAttempts: maxAttempts, FirstSleep: firstSleep}
}

// Default is the strategy used when a storage builder is not given one.
func Default() *Strategy {
	return NewStrategy(5, time.Second)
}

// Do calls fn until success, non retriable error, or the attempt budget is
// exhausted (in which case the wrapped cause surfaces).
func (s *Strategy) Do(ctx context.Context, fn func() error) error {
	log := appctx.GetLogger(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.FirstSleep
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxInterval = backoff.DefaultMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		re, ok := err.(*errtypes.Retriable)
		if !ok {
			return err
		}
		if attempt >= s.MaxAttempts {
			log.Warn().Err(re.Cause()).Int("attempts", attempt).Msg("aborting request after failed attempts")
			return re.Cause()
		}
		duration, hasDelay := re.Delay()
		if !hasDelay {
			duration = b.NextBackOff()
		}
		log.Debug().Err(re.Cause()).Dur("sleep", duration).Msg("will retry failed request")
		if err := sleep(ctx, duration); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NoRetry executes the function exactly once and does not unwrap retriable
// errors. It is used by sub-clients that are themselves called inside a
// retry loop (the Swift client inside hubiC), so that retriable errors get
// back to the outer strategy.
type NoRetry struct{}

// Do runs fn once.
func (NoRetry) Do(ctx context.Context, fn func() error) error {
	return fn()
}

var (
	_ Invoker = (*Strategy)(nil)
	_ Invoker = NoRetry{}
)
