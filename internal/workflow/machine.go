package workflow

import (
	"fmt"
	"sort"
	"strings"

	xerrors "AdvisorChain/internal/errors"
)

// State 表示会话工作流所处的阶段。
type State string

const (
	StateIdle             State = "IDLE"
	StateWatching         State = "WATCHING"
	StateProposed         State = "PROPOSED"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateApproved         State = "APPROVED"
	StateRejected         State = "REJECTED"
	StateExecuting        State = "EXECUTING"
	StateExecuted         State = "EXECUTED"
)

// transitions 是唯一的合法迁移表。EXECUTED 与 REJECTED 均可回到
// WATCHING/IDLE，建模可重复的会话，没有形式上的终态。
var transitions = map[State][]State{
	StateIdle:             {StateWatching},
	StateWatching:         {StateProposed, StateIdle},
	StateProposed:         {StateAwaitingApproval},
	StateAwaitingApproval: {StateApproved, StateRejected},
	StateApproved:         {StateExecuting},
	StateRejected:         {StateWatching, StateIdle},
	StateExecuting:        {StateExecuted},
	StateExecuted:         {StateWatching, StateIdle},
}

// IsValidState 检查给定状态是否为支持的枚举值。
func IsValidState(s State) bool {
	_, ok := transitions[s]
	return ok
}

// Machine 为单个会话强制执行合法的状态迁移。非法迁移立即失败，
// 不会静默钳制或忽略。
type Machine struct {
	current State
}

// NewMachine 创建初始状态为 IDLE 的状态机。
func NewMachine() *Machine {
	return &Machine{current: StateIdle}
}

// Restore 从会话上持久化的状态重建状态机。状态机状态属于会话实体，
// 每次操作前从会话恢复，推进后写回，而不是每次新建一个停在 IDLE 的实例。
func Restore(s State) (*Machine, error) {
	if s == "" {
		return NewMachine(), nil
	}
	if !IsValidState(s) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("未知的工作流状态: %s", s))
	}
	return &Machine{current: s}, nil
}

// Current 返回当前状态。
func (m *Machine) Current() State {
	return m.current
}

// CanTransition 是无副作用的迁移可行性判断。
func (m *Machine) CanTransition(to State) bool {
	for _, legal := range transitions[m.current] {
		if legal == to {
			return true
		}
	}
	return false
}

// Transition 尝试迁移到目标状态。失败时错误中带有当前状态、
// 目标状态与合法目标集合。
func (m *Machine) Transition(to State) error {
	if !m.CanTransition(to) {
		return xerrors.New(xerrors.CodeInvalidTransition,
			fmt.Sprintf("无法从 %s 迁移到 %s, 合法目标: %s",
				m.current, to, legalTargets(m.current)))
	}
	m.current = to
	return nil
}

// Reset 强制回到 IDLE。这是绕过迁移表的管理性逃生通道，
// 不属于正常迁移。
func (m *Machine) Reset() {
	m.current = StateIdle
}

func legalTargets(from State) string {
	targets := transitions[from]
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
