package models

import "time"

// 文档集合名称。
const (
	CollectionUsers     = "users"
	CollectionUserChats = "userchats"
	CollectionChats     = "chats"
	CollectionAccounts  = "accounts"
	CollectionEmails    = "account_emails"
	CollectionUsernames = "usernames"
	CollectionSessions  = "sessions"
)

// User 是 users/{id} 文档，Blocked 保存被当前用户拉黑的用户 ID。
type User struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Avatar   string   `json:"avatar,omitempty"`
	Blocked  []string `json:"blocked"`
}

// HasBlocked 判断 u 是否拉黑了 userID。
func (u User) HasBlocked(userID string) bool {
	for _, id := range u.Blocked {
		if id == userID {
			return true
		}
	}
	return false
}

// Public 返回可以展示给其他用户的资料，不含邮箱和拉黑列表。
func (u User) Public() Profile {
	return Profile{ID: u.ID, Username: u.Username, Avatar: u.Avatar}
}

type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// IndexEntry 是用户会话列表中的一行，两位参与者各持有一份。
type IndexEntry struct {
	ChatID      string    `json:"chatId"`
	ReceiverID  string    `json:"receiverId"`
	LastMessage string    `json:"lastMessage"`
	UpdatedAt   time.Time `json:"updatedAt"`
	IsSeen      bool      `json:"isSeen"`
}

// UserChats 是 userchats/{userId} 文档。
type UserChats struct {
	Chats []IndexEntry `json:"chats"`
}

// Find 返回 chatID 对应条目的下标，不存在时返回 -1。
func (uc *UserChats) Find(chatID string) int {
	for i := range uc.Chats {
		if uc.Chats[i].ChatID == chatID {
			return i
		}
	}
	return -1
}

// FindByReceiver 返回与 receiverID 的第一条会话条目下标。
func (uc *UserChats) FindByReceiver(receiverID string) int {
	for i := range uc.Chats {
		if uc.Chats[i].ReceiverID == receiverID {
			return i
		}
	}
	return -1
}

type Message struct {
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	Img       string    `json:"img,omitempty"`
	Thumb     string    `json:"thumb,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Seq       int64     `json:"seq"`
}

// Chat 是 chats/{id} 文档，Messages 只追加不修改。
type Chat struct {
	ID        string    `json:"id"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
	Messages  []Message `json:"messages"`
}

// Last 返回最后一条消息。
func (c *Chat) Last() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// Counterpart 返回 userID 在会话中的另一方。
func (c *Chat) Counterpart(userID string) string {
	for _, m := range c.Members {
		if m != userID {
			return m
		}
	}
	return ""
}

// Account 是认证账号，与 User 共用同一个 ID。
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

// EmailClaim 是 account_emails/{email} 文档，保证邮箱唯一。
type EmailClaim struct {
	AccountID string `json:"accountId"`
}

// RefreshSession 是 sessions/{token} 文档。
type RefreshSession struct {
	Token     string     `json:"token"`
	UserID    string     `json:"userId"`
	ExpiresAt time.Time  `json:"expiresAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Active 判断会话在 now 时刻是否可用于刷新。
func (s RefreshSession) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// Document 是 postgres 驱动下所有文档共用的表结构。
type Document struct {
	Collection string    `gorm:"primaryKey;size:64"`
	ID         string    `gorm:"primaryKey;size:128"`
	Data       []byte    `gorm:"type:jsonb;not null"`
	Version    int64     `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"index"`
}
