// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ContractFile maps node ids to behavioral contracts, loaded from a
// YAML file supplied alongside the task. A "default" entry applies to
// every node without an explicit entry.
type ContractFile struct {
	Contracts map[string]BehavioralContract `yaml:"contracts"`
}

// LoadContractFile reads and decodes a contract YAML file.
func LoadContractFile(path string) (*ContractFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contract file: %w", err)
	}
	var cf ContractFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("decode contract file %s: %w", path, err)
	}
	return &cf, nil
}

// Apply attaches contracts to matching graph nodes. Zero-valued energy
// weights in an entry fall back to the defaults so a contract can rank
// tests without restating the coefficients.
func (cf *ContractFile) Apply(g *Graph) {
	if cf == nil || len(cf.Contracts) == 0 {
		return
	}
	def, hasDefault := cf.Contracts["default"]

	for _, n := range g.Nodes() {
		c, ok := cf.Contracts[n.ID]
		if !ok {
			if !hasDefault {
				continue
			}
			c = def
		}
		if c.Weights == (EnergyWeights{}) {
			c.Weights = DefaultEnergyWeights()
		}
		g.setContract(n.ID, c)
	}
}

func (g *Graph) setContract(id string, c BehavioralContract) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[id]; ok {
		n.Contract = c
	}
}
