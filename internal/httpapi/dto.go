package httpapi

import (
	"time"

	"github.com/kandev/guildhall/internal/sessionstore"
)

type sessionDTO struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Status              string    `json:"status"`
	GuildMembers        []string  `json:"guildMembers"`
	UpstreamAgentSessID string    `json:"upstreamAgentSessionId,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	LastActivityAt      time.Time `json:"lastActivityAt"`
	MessageCount        int       `json:"messageCount"`
}

func fromMetadata(m sessionstore.Metadata) sessionDTO {
	return sessionDTO{
		ID:                  m.ID,
		Name:                m.Name,
		Status:              string(m.Status),
		GuildMembers:        m.GuildMembers,
		UpstreamAgentSessID: m.UpstreamAgentSessID,
		CreatedAt:           m.CreatedAt,
		LastActivityAt:      m.LastActivityAt,
		MessageCount:        m.MessageCount,
	}
}

type messageDTO struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type sessionDetailDTO struct {
	sessionDTO
	Messages []messageDTO `json:"messages"`
}

func fromSession(s sessionstore.Session) sessionDetailDTO {
	messages := make([]messageDTO, 0, len(s.Messages))
	for _, m := range s.Messages {
		messages = append(messages, messageDTO{Role: string(m.Role), Content: m.Content, Timestamp: m.Timestamp})
	}
	return sessionDetailDTO{sessionDTO: fromMetadata(s.Metadata), Messages: messages}
}

type createSessionRequest struct {
	Name         string   `json:"name"`
	GuildMembers []string `json:"guildMembers"`
}

type postMessageRequest struct {
	Content string `json:"content"`
}
