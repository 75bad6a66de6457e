//go:build unix && !linux

package mimalloc

const mapNoReserve = 0
