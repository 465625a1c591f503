package chain

import (
	"sync"
	"time"
)

// Default packing parameters applied when a chain has no explicit entry.
const (
	DefaultTimeout      = 60 * time.Second
	DefaultConfirmation = uint64(64)
)

var (
	paramsMu sync.RWMutex

	// Stale-attempt timeout before a pure fee-bump repack is forced.
	timeoutByChain = map[int64]time.Duration{
		1:     60 * time.Second, // ethereum mainnet
		80001: 60 * time.Second, // polygon testnet
	}

	// Confirmation depth required before a batch is treated as final.
	confirmationByChain = map[int64]uint64{
		1: 60, // ethereum mainnet
		4: 60, // goerli
	}
)

// Timeout returns the stale-attempt timeout for the given chain.
func Timeout(chainID int64) time.Duration {
	paramsMu.RLock()
	defer paramsMu.RUnlock()
	if timeout, ok := timeoutByChain[chainID]; ok {
		return timeout
	}
	return DefaultTimeout
}

// SetTimeout overrides the timeout for one chain. Used by configuration
// loading and by tests.
func SetTimeout(chainID int64, timeout time.Duration) {
	paramsMu.Lock()
	defer paramsMu.Unlock()
	if timeout <= 0 {
		delete(timeoutByChain, chainID)
		return
	}
	timeoutByChain[chainID] = timeout
}

// Confirmation returns the required confirmation depth for the given chain.
func Confirmation(chainID int64) uint64 {
	paramsMu.RLock()
	defer paramsMu.RUnlock()
	if depth, ok := confirmationByChain[chainID]; ok {
		return depth
	}
	return DefaultConfirmation
}

// SetConfirmation overrides the confirmation depth for one chain.
func SetConfirmation(chainID int64, depth uint64) {
	paramsMu.Lock()
	defer paramsMu.Unlock()
	if depth == 0 {
		delete(confirmationByChain, chainID)
		return
	}
	confirmationByChain[chainID] = depth
}
