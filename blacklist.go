package modbus

import (
	"sync"
	"time"
)

// blacklist counts consecutive failed sends per slave id and reports a slave
// as blocked once the count reaches limit, until a send to that id succeeds
// (Nullify) or the periodic Clean resets everyone. Used by Client to avoid
// hammering a device that has stopped answering.
type blacklist struct {
	mutex   sync.Mutex
	limit   uint
	timeout uint
	ticker  *time.Ticker
	done    chan struct{}
	list    map[byte]uint
	nclean  func() error
	nblock  func(id byte) error
}

// SetLimitFailedSends changes the consecutive-failure threshold.
func (bl *blacklist) SetLimitFailedSends(value uint) {
	bl.mutex.Lock()
	bl.limit = value
	bl.mutex.Unlock()
}

// SetNoticeClean installs a callback fired each time the periodic cleanup runs.
func (bl *blacklist) SetNoticeClean(fn func() error) {
	bl.mutex.Lock()
	bl.nclean = fn
	bl.mutex.Unlock()
}

// SetDeviceBlock installs a callback fired the moment a slave id first
// crosses the failure limit.
func (bl *blacklist) SetDeviceBlock(fn func(id byte) error) {
	bl.mutex.Lock()
	bl.nblock = fn
	bl.mutex.Unlock()
}

func (bl *blacklist) init(limit, timeout uint) {
	bl.mutex.Lock()
	bl.limit = limit
	bl.timeout = timeout
	bl.list = make(map[byte]uint)
	if bl.timeout == 0 {
		bl.timeout = 60
	}
	bl.ticker = time.NewTicker(time.Duration(bl.timeout) * time.Minute)
	bl.done = make(chan struct{})
	ticker, done := bl.ticker, bl.done
	go func() {
		for {
			select {
			case <-ticker.C:
				bl.Clean()
			case <-done:
				return
			}
		}
	}()
	bl.mutex.Unlock()
}

// Get reports whether id is currently blocked (limit or more consecutive
// failures since the last success or Clean) and its current failure count.
// Get is a pure read; Plus is solely responsible for incrementing the count.
func (bl *blacklist) Get(id byte) (blocked bool, notresponse uint) {
	bl.mutex.Lock()
	defer bl.mutex.Unlock()
	if bl.list == nil || bl.limit == 0 {
		return false, 0
	}
	return bl.list[id] >= bl.limit, bl.list[id]
}

// Close stops the periodic cleanup ticker and its background goroutine.
// Safe to call more than once.
func (bl *blacklist) Close() {
	bl.mutex.Lock()
	if bl.ticker != nil {
		bl.ticker.Stop()
	}
	if bl.done != nil {
		close(bl.done)
		bl.done = nil
	}
	bl.mutex.Unlock()
}

func (bl *blacklist) ResetTimeoutClean() {
	bl.mutex.Lock()
	if bl.ticker != nil {
		bl.ticker.Reset(time.Duration(bl.timeout) * time.Minute)
	}
	bl.mutex.Unlock()
}

func (bl *blacklist) Plus(id byte) {
	bl.mutex.Lock()
	if bl.list != nil && bl.limit > 0 {
		bl.list[id]++
		if bl.list[id] == bl.limit && bl.nblock != nil {
			bl.nblock(id)
		}
	}
	bl.mutex.Unlock()
}

func (bl *blacklist) Nullify(id byte) {
	bl.mutex.Lock()
	if bl.list != nil {
		bl.list[id] = 0
	}
	bl.mutex.Unlock()
}

func (bl *blacklist) Clean() {
	bl.mutex.Lock()
	if bl.nclean != nil {
		bl.nclean()
	}
	if bl.list != nil {
		for n := range bl.list {
			bl.list[n] = 0
		}
	}
	bl.mutex.Unlock()
}

func NewBlacklist(limitFailedSendes, timeoutClean uint) *blacklist {
	var bl blacklist
	bl.init(limitFailedSendes, timeoutClean)
	return &bl
}
