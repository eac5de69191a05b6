// Package web3 houses blockchain connectivity for AgentPay: chain and token
// definitions, the EVM client contract used by settlement and escrow payouts,
// and ERC-20 / EIP-3009 call encoding.
package web3
