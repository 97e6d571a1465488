// Package nodemap 叶子名 ↔ OPC UA 节点句柄的双向映射。
//
// 查找只按叶子名进行，所以同一个桥内叶子名必须唯一（跨父对象也一样），
// 构建时发现重复即失败。构建完成后只读；重连时整体重建。
package nodemap

import (
	"context"
	"fmt"
	"sort"

	"github.com/linjuya-lu/device_opcua_go/internal/bridgeerr"
)

// Resolver 把 命名空间 URI / 父对象 / 叶子名 解析为节点句柄
type Resolver interface {
	NamespaceIndex(ctx context.Context, uri string) (uint16, error)
	// ResolvePath 解析 0:Objects/ns:object/ns:leaf
	ResolvePath(ctx context.Context, ns uint16, object, leaf string) (string, error)
}

// Group 同一父对象下的一组叶子
type Group struct {
	URI    string
	Object string
	Leaves []string
}

// Entry 一个已解析的节点
type Entry struct {
	Name      string
	Object    string
	Namespace uint16
	Handle    string
}

// Map 双向映射，构建后只读
type Map struct {
	byName   map[string]Entry
	byHandle map[string]string
}

// Build 逐个解析，任何失败或叶子名冲突都返回 ConfigurationError
func Build(ctx context.Context, r Resolver, groups []Group) (*Map, error) {
	m := &Map{
		byName:   make(map[string]Entry),
		byHandle: make(map[string]string),
	}
	nsCache := make(map[string]uint16)
	for _, g := range groups {
		ns, ok := nsCache[g.URI]
		if !ok {
			idx, err := r.NamespaceIndex(ctx, g.URI)
			if err != nil {
				return nil, bridgeerr.New(bridgeerr.KindConfiguration, fmt.Sprintf("namespace %q", g.URI), err)
			}
			ns = idx
			nsCache[g.URI] = ns
		}
		for _, leaf := range g.Leaves {
			if prev, dup := m.byName[leaf]; dup {
				return nil, bridgeerr.Configurationf("duplicate leaf name %q under %q and %q", leaf, prev.Object, g.Object)
			}
			h, err := r.ResolvePath(ctx, ns, g.Object, leaf)
			if err != nil {
				return nil, bridgeerr.New(bridgeerr.KindConfiguration,
					fmt.Sprintf("resolve 0:Objects/%d:%s/%d:%s", ns, g.Object, ns, leaf), err)
			}
			if other, dup := m.byHandle[h]; dup {
				return nil, bridgeerr.Configurationf("nodes %q and %q resolve to the same handle %s", other, leaf, h)
			}
			m.byName[leaf] = Entry{Name: leaf, Object: g.Object, Namespace: ns, Handle: h}
			m.byHandle[h] = leaf
		}
	}
	return m, nil
}

// Handle 叶子名 → 句柄
func (m *Map) Handle(name string) (string, bool) {
	e, ok := m.byName[name]
	return e.Handle, ok
}

// Name 句柄 → 叶子名
func (m *Map) Name(handle string) (string, bool) {
	n, ok := m.byHandle[handle]
	return n, ok
}

func (m *Map) Entry(name string) (Entry, bool) {
	e, ok := m.byName[name]
	return e, ok
}

func (m *Map) Len() int { return len(m.byName) }

// Handles 全部句柄，按叶子名排序
func (m *Map) Handles() []string {
	names := m.Names()
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = m.byName[n].Handle
	}
	return out
}

func (m *Map) Names() []string {
	out := make([]string, 0, len(m.byName))
	for n := range m.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
