package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"chatsync/internal/auth"
	"chatsync/internal/docstore"
)

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrNotFound           = docstore.ErrNotFound
	ErrEmptyMessage       = errors.New("message is empty")
	ErrBlocked            = errors.New("conversation is blocked")
	ErrInvalidContact     = errors.New("invalid contact")
	ErrNotMember          = errors.New("not a conversation member")
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrNoConversation     = errors.New("no conversation open")
	ErrUsernameTaken      = errors.New("username taken")
	ErrEmailTaken         = auth.ErrEmailTaken
	ErrInvalidCredentials = auth.ErrInvalidCredentials
)

// UploadError 表示附件上传失败，此时没有写入任何消息。
type UploadError struct {
	Name string
	Err  error
}

func (e *UploadError) Error() string { return fmt.Sprintf("upload %s: %v", e.Name, e.Err) }

func (e *UploadError) Unwrap() error { return e.Err }

// IndexUpdateError 表示消息已写入，但部分参与者的会话列表没有更新。
type IndexUpdateError struct {
	ConversationID string
	Failed         map[string]error // userID -> cause
}

func (e *IndexUpdateError) Users() []string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *IndexUpdateError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, id := range e.Users() {
		parts = append(parts, id+": "+e.Failed[id].Error())
	}
	return fmt.Sprintf("update index for conversation %s: %s", e.ConversationID, strings.Join(parts, "; "))
}

func (e *IndexUpdateError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, id := range e.Users() {
		errs = append(errs, e.Failed[id])
	}
	return errs
}
