// SPDX-License-Identifier: Apache-2.0

package loadbalancer

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("CircuitBreaker", func() {
	var now time.Time

	BeforeEach(func() {
		now = time.Now()
	})

	Context("while Closed", func() {
		It("trips to Open once FailureThreshold failures land within Window", func() {
			b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, Window: time.Minute, TimeoutSeconds: time.Second})

			b.RecordFailure(now)
			b.RecordFailure(now.Add(time.Second))
			Expect(b.State(now)).To(Equal(BreakerClosed), "expected Closed before threshold is reached")

			b.RecordFailure(now.Add(2 * time.Second))
			Expect(b.State(now)).To(Equal(BreakerOpen))
		})

		It("ignores failures that have aged out of the window", func() {
			b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 2, Window: 10 * time.Second, TimeoutSeconds: time.Second})

			b.RecordFailure(now)
			b.RecordFailure(now.Add(20 * time.Second))
			Expect(b.State(now.Add(20 * time.Second))).To(Equal(BreakerClosed), "expected the stale failure to be pruned")
		})
	})

	Context("once Open", func() {
		It("transitions to HalfOpen after TimeoutSeconds elapses", func() {
			b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, Window: time.Minute, TimeoutSeconds: 5 * time.Second, MaxRequests: 1, SuccessThreshold: 1})

			b.RecordFailure(now)
			Expect(b.State(now)).To(Equal(BreakerOpen))
			Expect(b.Allow(now.Add(time.Second))).To(BeFalse(), "no requests should be allowed while still Open")
			Expect(b.Allow(now.Add(6 * time.Second))).To(BeTrue(), "the first probe should be allowed once the timeout has elapsed")
			Expect(b.State(now.Add(6 * time.Second))).To(Equal(BreakerHalfOpen))
		})
	})

	Context("while HalfOpen", func() {
		It("closes once SuccessThreshold successes land", func() {
			b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, Window: time.Minute, TimeoutSeconds: time.Second, MaxRequests: 2, SuccessThreshold: 2})

			b.RecordFailure(now)
			probeTime := now.Add(2 * time.Second)
			b.Allow(probeTime)
			b.RecordSuccess(probeTime)
			Expect(b.State(probeTime)).To(Equal(BreakerHalfOpen), "expected to still be HalfOpen after only one success")

			b.Allow(probeTime)
			b.RecordSuccess(probeTime)
			Expect(b.State(probeTime)).To(Equal(BreakerClosed))
		})

		It("reopens on any failure", func() {
			b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, Window: time.Minute, TimeoutSeconds: time.Second, MaxRequests: 1, SuccessThreshold: 2})

			b.RecordFailure(now)
			probeTime := now.Add(2 * time.Second)
			b.Allow(probeTime)
			b.RecordFailure(probeTime)
			Expect(b.State(probeTime)).To(Equal(BreakerOpen), "expected any HalfOpen failure to reopen the breaker")
		})

		It("caps in-flight probes at MaxRequests", func() {
			b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, Window: time.Minute, TimeoutSeconds: time.Second, MaxRequests: 1, SuccessThreshold: 1})

			b.RecordFailure(now)
			probeTime := now.Add(2 * time.Second)
			Expect(b.Allow(probeTime)).To(BeTrue(), "expected the first probe to be allowed")
			Expect(b.Allow(probeTime)).To(BeFalse(), "expected a second concurrent probe to be rejected once MaxRequests is exhausted")
		})
	})
})
