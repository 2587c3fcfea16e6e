package control

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Envelope is one inbound chat message addressed to a tenant's control bot.
type Envelope struct {
	TenantID   string `validate:"required"`
	UpdateID   string `validate:"required"`
	ChatUserID string `validate:"required"`
	ChatID     string
	MessageID  string
	Text       string `validate:"required"`
}

type chatUpdate struct {
	UpdateID      int64        `json:"update_id"`
	Message       *chatMessage `json:"message"`
	EditedMessage *chatMessage `json:"edited_message"`
}

type chatMessage struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	From      *struct {
		ID int64 `json:"id"`
	} `json:"from"`
	Chat *struct {
		ID int64 `json:"id"`
	} `json:"chat"`
}

// ParseUpdate decodes a bot webhook update. ok is false for updates that carry no usable text
// message (joins, stickers, channel posts without a sender).
func ParseUpdate(tenantID string, body []byte) (env Envelope, ok bool, err error) {
	var u chatUpdate
	if err := json.Unmarshal(body, &u); err != nil {
		return Envelope{}, false, fmt.Errorf("decode update: %w", err)
	}
	msg := u.Message
	if msg == nil {
		msg = u.EditedMessage
	}
	if msg == nil {
		return Envelope{}, false, nil
	}
	env = Envelope{
		TenantID:  tenantID,
		UpdateID:  strconv.FormatInt(u.UpdateID, 10),
		MessageID: strconv.FormatInt(msg.MessageID, 10),
		Text:      msg.Text,
	}
	if msg.From != nil {
		env.ChatUserID = strconv.FormatInt(msg.From.ID, 10)
	}
	if msg.Chat != nil {
		env.ChatID = strconv.FormatInt(msg.Chat.ID, 10)
	}
	if err := validate.Struct(env); err != nil {
		return Envelope{}, false, nil
	}
	return env, true, nil
}
