package chain

import (
	"strconv"
	"strings"
	"sync"
)

// ContractRegistry maps (action type, token symbol) to the protocol contract
// a transaction for that action is expected to target, and keeps the full set
// of known protocol contracts per chain. It is constructed explicitly at
// startup and injected; there is no ambient global registry.
type ContractRegistry struct {
	mu       sync.RWMutex
	expected map[string]string         // "chain|action|token" or "chain|action|" -> lowercase address
	known    map[int64]map[string]bool // chain id -> lowercase address set
}

func NewContractRegistry() *ContractRegistry {
	return &ContractRegistry{
		expected: make(map[string]string),
		known:    make(map[int64]map[string]bool),
	}
}

// Register records the expected contract for an action (token may be empty
// for token-independent actions) and adds it to the known set for the chain.
func (r *ContractRegistry) Register(actionType, tokenSymbol string, chainID int64, address string) {
	addr := strings.ToLower(address)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expected[registryKey(chainID, actionType, tokenSymbol)] = addr
	if r.known[chainID] == nil {
		r.known[chainID] = make(map[string]bool)
	}
	r.known[chainID][addr] = true
}

// Resolve returns the expected contract for an action and token on a chain,
// falling back to the chain's token-independent entry for the action. The
// same action deploys to different contracts per chain, so the chain id is
// part of the key.
func (r *ContractRegistry) Resolve(chainID int64, actionType, tokenSymbol string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if addr, ok := r.expected[registryKey(chainID, actionType, tokenSymbol)]; ok {
		return addr, true
	}
	addr, ok := r.expected[registryKey(chainID, actionType, "")]
	return addr, ok
}

// IsKnownContract reports whether the address is a registered protocol
// contract on the given chain.
func (r *ContractRegistry) IsKnownContract(chainID int64, address string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.known[chainID][strings.ToLower(address)]
}

func registryKey(chainID int64, actionType, tokenSymbol string) string {
	return strconv.FormatInt(chainID, 10) + "|" + strings.ToLower(actionType) + "|" + strings.ToUpper(tokenSymbol)
}
