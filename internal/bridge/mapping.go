package bridge

import (
	"sort"

	"github.com/linjuya-lu/device_opcua_go/internal/bridgeerr"
	"github.com/linjuya-lu/device_opcua_go/internal/codec"
	"github.com/linjuya-lu/device_opcua_go/internal/config"
	"github.com/linjuya-lu/device_opcua_go/internal/nodemap"
)

// Mapping 被监视节点 → 仪器命令
type Mapping struct {
	Node           string
	Command        string
	RespondTo      string // 为空表示不回写
	TakesParameter bool
}

// MappingsFromConfig 合并所有父对象下的节点映射
func MappingsFromConfig(objects []config.ObjectConfig) map[string]Mapping {
	out := make(map[string]Mapping)
	for _, obj := range objects {
		for leaf, m := range obj.Nodes {
			out[leaf] = Mapping{
				Node:           leaf,
				Command:        m.Command,
				RespondTo:      m.RespondTo,
				TakesParameter: m.TakesParameter,
			}
		}
	}
	return out
}

// Groups 生成 Node Map 的构建输入：被监视节点、respond_to 目标与看门狗节点
func Groups(ua *config.OPCUAConfig) []nodemap.Group {
	groups := make([]nodemap.Group, 0, len(ua.Objects))
	seen := make(map[string]bool)
	for _, obj := range ua.Objects {
		leaves := make([]string, 0, len(obj.Nodes)*2)
		add := func(name string) {
			if name != "" && !seen[obj.Name+"/"+name] {
				seen[obj.Name+"/"+name] = true
				leaves = append(leaves, name)
			}
		}
		names := make([]string, 0, len(obj.Nodes))
		for leaf := range obj.Nodes {
			names = append(names, leaf)
		}
		sort.Strings(names)
		for _, leaf := range names {
			add(leaf)
			add(obj.Nodes[leaf].RespondTo)
		}
		if wd := ua.Watchdog; wd != nil && wd.Object == obj.Name {
			add(wd.Controller)
			add(wd.Instrument)
		}
		groups = append(groups, nodemap.Group{URI: ua.URI, Object: obj.Name, Leaves: leaves})
	}
	if wd := ua.Watchdog; wd != nil && !hasObject(ua.Objects, wd.Object) {
		groups = append(groups, nodemap.Group{URI: ua.URI, Object: wd.Object, Leaves: []string{wd.Controller, wd.Instrument}})
	}
	return groups
}

func hasObject(objs []config.ObjectConfig, name string) bool {
	for _, o := range objs {
		if o.Name == name {
			return true
		}
	}
	return false
}

// CommandSet 仪器一侧可执行的命令
type CommandSet interface {
	Command(name string) (codec.Command, bool)
}

// validateMappings 节点必须已解析、命令必须存在、参数声明必须与命令一致
func validateMappings(mappings map[string]Mapping, nodes *nodemap.Map, cmds CommandSet, wd *config.WatchdogConfig) error {
	for name, m := range mappings {
		if wd != nil && (name == wd.Controller || name == wd.Instrument) {
			return bridgeerr.Configurationf("node %q is reserved for the watchdog", name)
		}
		if _, ok := nodes.Handle(name); !ok {
			return bridgeerr.Configurationf("mapped node %q is not in the node map", name)
		}
		if m.RespondTo != "" {
			if _, ok := nodes.Handle(m.RespondTo); !ok {
				return bridgeerr.Configurationf("respond_to node %q of %q is not in the node map", m.RespondTo, name)
			}
		}
		c, ok := cmds.Command(m.Command)
		if !ok {
			return bridgeerr.Configurationf("node %q maps to unknown command %q", name, m.Command)
		}
		if c.TakesParameter != m.TakesParameter {
			return bridgeerr.Configurationf("node %q: takes_parameter=%t but command %q takes_parameter=%t",
				name, m.TakesParameter, m.Command, c.TakesParameter)
		}
	}
	return nil
}
