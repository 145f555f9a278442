package conn

import (
	"sync/atomic"

	"github.com/juju/ratelimit"
)

// Valve throttles and counts the traffic through a Manager. Directions are
// from the client's perspective: tx is toward the agent (uploads), rx is from
// the agent (downloads).
type Valve struct {
	rxtb atomic.Value // *ratelimit.Bucket
	txtb atomic.Value // *ratelimit.Bucket

	rx int64
	tx int64
}

const unlimitedRate = 1<<63 - 1

// MakeValve creates a Valve limiting traffic to the given rates in bytes per
// second. A rate of 0 or less means unlimited for that direction.
func MakeValve(rxRate, txRate int64) *Valve {
	v := new(Valve)
	v.SetRxRate(rxRate)
	v.SetTxRate(txRate)
	return v
}

func UnlimitedValve() *Valve { return MakeValve(0, 0) }

func (v *Valve) SetRxRate(rate int64) { v.rxtb.Store(makeBucket(rate)) }
func (v *Valve) SetTxRate(rate int64) { v.txtb.Store(makeBucket(rate)) }

func makeBucket(rate int64) *ratelimit.Bucket {
	if rate <= 0 {
		rate = unlimitedRate
	}
	return ratelimit.NewBucketWithRate(float64(rate), rate)
}

func (v *Valve) rxWait(n int) { v.rxtb.Load().(*ratelimit.Bucket).Wait(int64(n)) }
func (v *Valve) txWait(n int) { v.txtb.Load().(*ratelimit.Bucket).Wait(int64(n)) }

func (v *Valve) AddRx(n int64) { atomic.AddInt64(&v.rx, n) }
func (v *Valve) AddTx(n int64) { atomic.AddInt64(&v.tx, n) }

// GetRx returns the total bytes received through this valve.
func (v *Valve) GetRx() int64 { return atomic.LoadInt64(&v.rx) }

// GetTx returns the total bytes sent through this valve.
func (v *Valve) GetTx() int64 { return atomic.LoadInt64(&v.tx) }
