package telegram

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Messenger is the outbound surface the workflow depends on. The workflow
// never renders anything itself; it only sends messages/menus, copies media
// and asks whether an actor administers a chat.
type Messenger interface {
	SendMessage(chatID int64, text string, keyboard *InlineKeyboard) error
	SendPhoto(chatID int64, fileID, caption string) error
	AnswerCallback(callbackID, text string, showAlert bool) error
	EditMessageText(chatID, messageID int64, text string) error
	IsChatAdmin(chatID, userID int64) bool
}

// Client talks to the Telegram Bot API over HTTPS.
type Client struct {
	token  string
	client *http.Client
}

func NewClient(token string) *Client {
	return &Client{
		token: token,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

func (c *Client) call(method string, payload interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %v", method, err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/%s", c.token, method)
	resp, err := c.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %v", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %v", method, err)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(data, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %v", method, err)
	}
	if !apiResp.OK {
		return nil, fmt.Errorf("telegram %s error: %s", method, apiResp.Description)
	}
	return apiResp.Result, nil
}

// SendMessage sends text with an optional inline keyboard. HTML parse mode is
// always on; callers escape their own dynamic content.
func (c *Client) SendMessage(chatID int64, text string, keyboard *InlineKeyboard) error {
	payload := map[string]interface{}{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	if keyboard != nil {
		payload["reply_markup"] = keyboard
	}
	_, err := c.call("sendMessage", payload)
	return err
}

// SendPhoto re-sends an already-uploaded file by its file_id.
func (c *Client) SendPhoto(chatID int64, fileID, caption string) error {
	payload := map[string]interface{}{
		"chat_id": chatID,
		"photo":   fileID,
		"caption": truncateCaption(captionMaxLen, caption),
	}
	_, err := c.call("sendPhoto", payload)
	return err
}

// captionMaxLen is the Bot API limit for media captions.
const captionMaxLen = 1024

// truncateCaption cuts a caption to max characters on a rune boundary, never
// splitting a UTF-8 sequence.
func truncateCaption(max int, caption string) string {
	if len(caption) <= max {
		return caption
	}
	runes := []rune(caption)
	if len(runes) <= max {
		return caption
	}
	return string(runes[:max])
}

// AnswerCallback acknowledges a button press, optionally as a popup alert.
func (c *Client) AnswerCallback(callbackID, text string, showAlert bool) error {
	payload := map[string]interface{}{
		"callback_query_id": callbackID,
		"text":              text,
		"show_alert":        showAlert,
	}
	_, err := c.call("answerCallbackQuery", payload)
	return err
}

// EditMessageText replaces the text of a previously sent message.
func (c *Client) EditMessageText(chatID, messageID int64, text string) error {
	payload := map[string]interface{}{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}
	_, err := c.call("editMessageText", payload)
	return err
}

// IsChatAdmin reports whether userID administers chatID. Lookup failures are
// treated as "not admin" so a transport hiccup can never grant review rights.
func (c *Client) IsChatAdmin(chatID, userID int64) bool {
	payload := map[string]interface{}{"chat_id": chatID}
	result, err := c.call("getChatAdministrators", payload)
	if err != nil {
		log.Printf("getChatAdministrators failed for chat %d: %v", chatID, err)
		return false
	}

	var members []ChatMember
	if err := json.Unmarshal(result, &members); err != nil {
		log.Printf("failed to decode administrators for chat %d: %v", chatID, err)
		return false
	}
	for _, m := range members {
		if m.User.ID == userID {
			return true
		}
	}
	return false
}

// MentionHTML builds a tg://user deep link for HTML parse mode.
func MentionHTML(userID int64, label string) string {
	if label == "" {
		label = "Técnico"
	}
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, userID, label)
}
