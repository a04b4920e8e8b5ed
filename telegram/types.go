package telegram

// Inbound Bot API update types, trimmed to the fields the workflow consumes.

// Update is one inbound event from the Bot API webhook.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// Message is a chat message (text, media, location or command).
type Message struct {
	MessageID int64      `json:"message_id"`
	From      *User      `json:"from,omitempty"`
	Chat      Chat       `json:"chat"`
	Date      int64      `json:"date"`
	Text      string     `json:"text,omitempty"`
	Caption   string     `json:"caption,omitempty"`
	Photo     []PhotoSize `json:"photo,omitempty"`
	Video     *Video     `json:"video,omitempty"`
	Location  *Location  `json:"location,omitempty"`
}

// CallbackQuery is a button press on an inline keyboard.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// FullName mirrors the Bot API convention of first plus last name.
func (u User) FullName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// DisplayName prefers the handle, falling back to the full name.
func (u User) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	return u.FullName()
}

type Chat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

type PhotoSize struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
}

type Video struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	Duration     int    `json:"duration"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Outbound types.

// InlineKeyboard is a grid of callback buttons attached to a message.
type InlineKeyboard struct {
	InlineKeyboard [][]InlineButton `json:"inline_keyboard"`
}

type InlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
}

// Row builds one keyboard row.
func Row(buttons ...InlineButton) []InlineButton { return buttons }

// Btn builds one callback button.
func Btn(text, data string) InlineButton { return InlineButton{Text: text, CallbackData: data} }

// Keyboard builds an inline keyboard from rows.
func Keyboard(rows ...[]InlineButton) *InlineKeyboard {
	return &InlineKeyboard{InlineKeyboard: rows}
}

// ChatMember is one entry from getChatAdministrators.
type ChatMember struct {
	User   User   `json:"user"`
	Status string `json:"status"`
}
