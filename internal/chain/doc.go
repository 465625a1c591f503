// Package chain defines the ledger-facing capability the packing engine
// depends on: nonce lookup, receipt lookup with confirmation depth, and raw
// transaction broadcast, plus the per-chain timeout/confirmation tables.
package chain
