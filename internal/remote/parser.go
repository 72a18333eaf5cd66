package remote

import (
	"github.com/bluetail-im/bluetail/internal/store"
)

// apiHandle is the server's wire shape for a sender identity.
type apiHandle struct {
	Address     string `json:"address"`
	Service     string `json:"service"`
	DisplayName string `json:"firstName"`
}

// apiAttachment is the server's wire shape for attachment metadata.
type apiAttachment struct {
	GUID         string `json:"guid"`
	MimeType     string `json:"mimeType"`
	TransferName string `json:"transferName"`
	TotalBytes   int64  `json:"totalBytes"`
}

// apiChat is the server's wire shape for a chat.
type apiChat struct {
	GUID           string `json:"guid"`
	ChatIdentifier string `json:"chatIdentifier"`
	DisplayName    string `json:"displayName"`
	Style          int    `json:"style"` // 43 = group, 45 = 1:1
}

// apiMessage is the server's wire shape for a message.
type apiMessage struct {
	GUID                  string          `json:"guid"`
	Text                  string          `json:"text"`
	Subject               string          `json:"subject"`
	IsFromMe              bool            `json:"isFromMe"`
	IsSent                bool            `json:"isSent"`
	IsDelivered           bool            `json:"isDelivered"`
	IsRead                bool            `json:"isRead"`
	Error                 int             `json:"error"`
	DateCreated           int64           `json:"dateCreated"` // epoch millis
	DateEdited            int64           `json:"dateEdited"`
	ThreadOriginatorGUID  string          `json:"threadOriginatorGuid"`
	AssociatedMessageGUID string          `json:"associatedMessageGuid"`
	AssociatedMessageType string          `json:"associatedMessageType"`
	Handle                *apiHandle      `json:"handle"`
	Attachments           []apiAttachment `json:"attachments"`
	Chats                 []apiChat       `json:"chats"`
}

// chatGUID returns the owning chat guid, preferring the embedded chat list
// (live socket payloads carry it there) over an explicit override.
func (m *apiMessage) chatGUID(fallback string) string {
	if len(m.Chats) > 0 && m.Chats[0].GUID != "" {
		return m.Chats[0].GUID
	}
	return fallback
}

// toIncoming converts a wire message into the store envelope.
func (m *apiMessage) toIncoming(chatGUID string) *store.IncomingMessage {
	in := &store.IncomingMessage{
		Message: store.Message{
			GUID:                 m.GUID,
			ChatGUID:             m.chatGUID(chatGUID),
			Text:                 m.Text,
			Subject:              m.Subject,
			FromMe:               m.IsFromMe,
			IsSent:               m.IsSent,
			IsDelivered:          m.IsDelivered,
			IsRead:               m.IsRead,
			HasError:             m.Error != 0,
			ThreadOriginatorGUID: m.ThreadOriginatorGUID,
			AssociatedGUID:       m.AssociatedMessageGUID,
			AssociatedType:       m.AssociatedMessageType,
			HasAttachments:       len(m.Attachments) > 0,
			DateCreated:          m.DateCreated,
			DateEdited:           m.DateEdited,
		},
	}
	if m.Handle != nil {
		in.Message.Address = m.Handle.Address
	}
	for _, a := range m.Attachments {
		in.Attachments = append(in.Attachments, store.Attachment{
			GUID:          a.GUID,
			MessageGUID:   m.GUID,
			ChatGUID:      in.Message.ChatGUID,
			MimeType:      a.MimeType,
			TransferName:  a.TransferName,
			TotalBytes:    a.TotalBytes,
			TransferState: "pending",
		})
	}
	return in
}

func (c *apiChat) toChat() *store.Chat {
	return &store.Chat{
		GUID:           c.GUID,
		Identifier:     c.ChatIdentifier,
		DisplayName:    c.DisplayName,
		IsGroup:        c.Style == 43,
		ExistsOnServer: true,
	}
}
