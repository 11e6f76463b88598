// Copyright 2025 RXinDexer Developers
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

package node

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	}
	return "closed"
}

// breaker is a consecutive-failure circuit breaker. After failureThreshold
// consecutive failures it opens for resetTimeout; a single half-open probe
// is then admitted, and its success closes the circuit. A probe that
// neither succeeds nor fails within halfOpenTimeout is forfeited and the
// next caller may probe.
type breaker struct {
	mutex            sync.Mutex
	failureThreshold int
	resetTimeout     time.Duration
	halfOpenTimeout  time.Duration

	state        breakerState
	failures     int
	openedAt     time.Time
	probeStarted time.Time
}

func newBreaker(
	failureThreshold int,
	resetTimeout time.Duration,
	halfOpenTimeout time.Duration,
) *breaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &breaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenTimeout:  halfOpenTimeout,
	}
}

// allow reports whether a request may proceed, claiming the half-open probe
// slot when the reset timeout has elapsed
func (b *breaker) allow() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	now := time.Now()
	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if now.Sub(b.openedAt) < b.resetTimeout {
			return false
		}
		b.state = breakerHalfOpen
		b.probeStarted = now
		return true
	default:
		// Half-open: one probe in flight until it reports or times out
		if now.Sub(b.probeStarted) < b.halfOpenTimeout {
			return false
		}
		b.probeStarted = now
		return true
	}
}

func (b *breaker) success() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

func (b *breaker) failure() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.state == breakerHalfOpen {
		// Failed probe re-opens immediately
		b.state = breakerOpen
		b.openedAt = time.Now()
		return
	}
	b.failures++
	if b.failures >= b.failureThreshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}

func (b *breaker) currentState() breakerState {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.state
}
