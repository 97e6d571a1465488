package instrument

import (
	"sync/atomic"
	"time"
)

// About 仪器静态描述
type About struct {
	Name  string            `json:"name"`
	Type  string            `json:"type"`
	Units map[string]string `json:"units,omitempty"`
}

// Snapshot 一次轮询得到的测量值，发布后只读
type Snapshot struct {
	Seq    uint64         `json:"seq"`
	Time   time.Time      `json:"time"`
	Values map[string]any `json:"values"`
	// Failed 本轮读取失败的字段
	Failed []string `json:"failed,omitempty"`
}

// Value 读取单个字段
func (s *Snapshot) Value(field string) (any, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.Values[field]
	return v, ok
}

// State 仪器状态：about 固定，data 整体原子替换，读者从不阻塞
type State struct {
	about About
	data  atomic.Pointer[Snapshot]
}

func NewState(about About) *State {
	s := &State{about: about}
	s.data.Store(&Snapshot{Values: map[string]any{}})
	return s
}

func (s *State) About() About { return s.about }

// Data 最近一次快照
func (s *State) Data() *Snapshot { return s.data.Load() }

func (s *State) publish(snap *Snapshot) { s.data.Store(snap) }
