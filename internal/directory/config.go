package directory

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RosterFile models the structure of configs/agents.yaml.
type RosterFile struct {
	Agents map[string]AgentDefinition `yaml:"agents"`
}

// AgentDefinition describes a single agent entry in the roster file.
type AgentDefinition struct {
	Name            string   `yaml:"name"`
	Address         string   `yaml:"address"`
	SigningKey      string   `yaml:"signing_key"`
	Capabilities    []string `yaml:"capabilities"`
	PriceWei        string   `yaml:"price_wei"`
	CredentialLevel int      `yaml:"credential_level"`
	Trusts          []string `yaml:"trusts"`
	Active          *bool    `yaml:"active"`
}

// Load parses the YAML roster file and builds the boot-time directory.
func Load(path string) (*Directory, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("智能体名册路径不能为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取智能体名册失败: %w", err)
	}

	var file RosterFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("解析智能体名册失败: %w", err)
	}

	agents := make([]*Agent, 0, len(file.Agents))
	for id, def := range file.Agents {
		ag, err := buildAgent(id, def)
		if err != nil {
			return nil, fmt.Errorf("智能体 %s 配置非法: %w", id, err)
		}
		agents = append(agents, ag)
	}
	return New(agents), nil
}

func buildAgent(id string, def AgentDefinition) (*Agent, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("智能体 ID 不能为空")
	}
	address := strings.TrimSpace(def.Address)
	if address == "" {
		return nil, fmt.Errorf("账本地址不能为空")
	}

	price := new(big.Int)
	if trimmed := strings.TrimSpace(def.PriceWei); trimmed != "" {
		if _, ok := price.SetString(trimmed, 10); !ok {
			return nil, fmt.Errorf("无法解析价格 %q", def.PriceWei)
		}
	}
	if price.Sign() < 0 {
		return nil, fmt.Errorf("价格不能为负数")
	}

	level := def.CredentialLevel
	if level < 1 {
		level = 1
	}
	if level > 5 {
		level = 5
	}

	active := true
	if def.Active != nil {
		active = *def.Active
	}

	name := strings.TrimSpace(def.Name)
	if name == "" {
		name = id
	}

	ag := &Agent{
		ID:              id,
		Name:            name,
		Address:         address,
		SigningKey:      strings.TrimSpace(def.SigningKey),
		Price:           price,
		CredentialLevel: level,
		Active:          active,
		capabilities:    make(map[string]struct{}, len(def.Capabilities)),
		trusted:         make(map[string]struct{}, len(def.Trusts)),
	}
	for _, capability := range def.Capabilities {
		if normalized := normalizeName(capability); normalized != "" {
			ag.capabilities[normalized] = struct{}{}
		}
	}
	for _, trusted := range def.Trusts {
		if trimmed := strings.TrimSpace(trusted); trimmed != "" {
			ag.trusted[trimmed] = struct{}{}
		}
	}
	return ag, nil
}

// NewAgent is a test helper constructing an agent without a roster file.
func NewAgent(id, address string, price *big.Int, level int, capabilities, trusts []string) *Agent {
	active := true
	def := AgentDefinition{
		Address:         address,
		Capabilities:    capabilities,
		CredentialLevel: level,
		Trusts:          trusts,
		Active:          &active,
	}
	if price != nil {
		def.PriceWei = price.String()
	}
	ag, err := buildAgent(id, def)
	if err != nil {
		panic(err)
	}
	return ag
}
