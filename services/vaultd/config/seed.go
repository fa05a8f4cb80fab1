package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"vaultguard/native/escrow"
	"vaultguard/native/vault"
)

// Seed is a bootstrap file of vault positions and escrow balances:
//
//	vaults:
//	  - address: 0xa1
//	    native_token: USDC
//	    total_pre_slashed: "20000"
//	    orchestrator_balance: "1000"
//	escrow:
//	  - symbol: USDC
//	    amount: "10000"
//	    listed: true
type Seed struct {
	Vaults []SeedVault  `yaml:"vaults"`
	Escrow []SeedEscrow `yaml:"escrow"`
}

// SeedVault is one vault entry of a seed file.
type SeedVault struct {
	Address             string `yaml:"address"`
	Name                string `yaml:"name"`
	NativeToken         string `yaml:"native_token"`
	Curator             string `yaml:"curator"`
	TotalPreSlashed     string `yaml:"total_pre_slashed"`
	OrchestratorBalance string `yaml:"orchestrator_balance"`
	EscrowAmount        string `yaml:"escrow_amount"`
}

// SeedEscrow is one escrow balance of a seed file.
type SeedEscrow struct {
	Symbol string `yaml:"symbol"`
	Amount string `yaml:"amount"`
	Listed bool   `yaml:"listed"`
}

// LoadSeed reads and converts a seed file.
func LoadSeed(path string) ([]vault.Vault, []escrow.Balance, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read seed: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, nil, fmt.Errorf("decode seed: %w", err)
	}
	return seed.Build()
}

// Build validates the seed and converts it into engine types.
func (s Seed) Build() ([]vault.Vault, []escrow.Balance, error) {
	vaults := make([]vault.Vault, 0, len(s.Vaults))
	for i, entry := range s.Vaults {
		if strings.TrimSpace(entry.Address) == "" {
			return nil, nil, fmt.Errorf("seed vault %d: address required", i)
		}
		if strings.TrimSpace(entry.NativeToken) == "" {
			return nil, nil, fmt.Errorf("seed vault %s: native_token required", entry.Address)
		}
		v := vault.Vault{
			Address:     entry.Address,
			Name:        entry.Name,
			NativeToken: entry.NativeToken,
			Curator:     entry.Curator,
		}
		var err error
		if v.TotalPreSlashed, err = amount(entry.TotalPreSlashed); err != nil {
			return nil, nil, fmt.Errorf("seed vault %s: total_pre_slashed: %w", entry.Address, err)
		}
		if v.OrchestratorBalance, err = amount(entry.OrchestratorBalance); err != nil {
			return nil, nil, fmt.Errorf("seed vault %s: orchestrator_balance: %w", entry.Address, err)
		}
		if v.EscrowAmount, err = amount(entry.EscrowAmount); err != nil {
			return nil, nil, fmt.Errorf("seed vault %s: escrow_amount: %w", entry.Address, err)
		}
		v.Normalize()
		vaults = append(vaults, v)
	}
	balances := make([]escrow.Balance, 0, len(s.Escrow))
	for i, entry := range s.Escrow {
		symbol := escrow.NormalizeSymbol(entry.Symbol)
		if symbol == "" {
			return nil, nil, fmt.Errorf("seed escrow %d: symbol required", i)
		}
		value, err := amount(entry.Amount)
		if err != nil {
			return nil, nil, fmt.Errorf("seed escrow %s: %w", symbol, err)
		}
		balances = append(balances, escrow.Balance{Symbol: symbol, Amount: value, Listed: entry.Listed})
	}
	return vaults, balances, nil
}

func amount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}
