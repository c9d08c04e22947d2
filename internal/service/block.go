package service

import "chatsync/internal/models"

// BlockState 是打开会话时计算出的拉黑关系，会话打开期间不会自动刷新。
type BlockState struct {
	IAmBlocked bool `json:"iAmBlocked"`
	IBlocked   bool `json:"iBlocked"`
}

// Blocked 为 true 时双方都不能发送消息。
func (b BlockState) Blocked() bool { return b.IAmBlocked || b.IBlocked }

// ResolveBlock 按优先级判断拉黑关系：对方拉黑了我优先于我拉黑了对方。
func ResolveBlock(current, counterpart models.User) BlockState {
	switch {
	case counterpart.HasBlocked(current.ID):
		return BlockState{IAmBlocked: true}
	case current.HasBlocked(counterpart.ID):
		return BlockState{IBlocked: true}
	default:
		return BlockState{}
	}
}
