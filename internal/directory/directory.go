package directory

import (
	"sort"

	xerrors "AgentPay-Chain/internal/errors"
)

// Directory 是启动阶段加载的静态智能体名册。加载完成后只读，可以被并发访问。
type Directory struct {
	agents map[string]*Agent
}

// ErrAgentNotFound 表示指定的智能体不存在。
var ErrAgentNotFound = xerrors.New(xerrors.CodeAgentNotFound, "agent not found")

// New 基于给定的智能体集合构造名册。
func New(agents []*Agent) *Directory {
	index := make(map[string]*Agent, len(agents))
	for _, ag := range agents {
		if ag == nil || ag.ID == "" {
			continue
		}
		index[ag.ID] = ag
	}
	return &Directory{agents: index}
}

// Get 返回指定 ID 的智能体。
func (d *Directory) Get(id string) (*Agent, error) {
	if d == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "名册未初始化")
	}
	ag, ok := d.agents[id]
	if !ok {
		return nil, xerrors.Wrap(xerrors.CodeAgentNotFound, ErrAgentNotFound, "", xerrors.WithMetadata("agent_id", id))
	}
	return ag, nil
}

// List 返回名册中的全部智能体，按 ID 排序。
func (d *Directory) List() []*Agent {
	if d == nil {
		return nil
	}
	agents := make([]*Agent, 0, len(d.agents))
	for _, ag := range d.agents {
		agents = append(agents, ag)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// Trusts 判断 fromID 是否信任 toID。任一方不存在时返回 false。
func (d *Directory) Trusts(fromID, toID string) bool {
	if d == nil {
		return false
	}
	from, ok := d.agents[fromID]
	if !ok {
		return false
	}
	return from.TrustsAgent(toID)
}
