package protocol

// Id prefixes for the synthetic team. DM channels and bot identities are
// derived from the registering bot's app id.
const (
	DMChannelPrefix  = "D_"
	BotUserPrefix    = "U_"
	ChannelPrefix    = "C_"
	SimulatedUserID  = "__SIMULATED_USER__"
	TeamID           = "T_SIMULATOR"
	TeamDomain       = "simulator"
	PresetGeneral    = "C_GENERAL"
	PresetShowcase   = "C_SHOWCASE"
	EphemeralSubtype = "ephemeral"
)

type User struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	RealName string  `json:"real_name"`
	IsBot    bool    `json:"is_bot"`
	Profile  Profile `json:"profile"`
}

type Profile struct {
	DisplayName string `json:"display_name"`
}

type Channel struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsChannel bool   `json:"is_channel"`
	IsIM      bool   `json:"is_im"`
	IsMember  bool   `json:"is_member"`
}

// Reaction groups all users who reacted with one emoji name.
// Invariant: Count == len(Users) and Users holds no duplicates.
type Reaction struct {
	Name  string   `json:"name"`
	Users []string `json:"users"`
	Count int      `json:"count"`
}

// Block is a raw block-kit element. Blocks are stored as loose JSON because
// bots send arbitrary block kinds; the emulator only ever inspects block_id,
// type and the interactive element underneath.
type Block = map[string]any

// Message is the canonical message record. Ts is globally unique and
// monotonic within the process. ThreadTS == Ts marks a thread root.
type Message struct {
	Type      string     `json:"type"`
	Ts        string     `json:"ts"`
	Channel   string     `json:"channel"`
	User      string     `json:"user"`
	Text      string     `json:"text"`
	ThreadTS  string     `json:"thread_ts,omitempty"`
	Subtype   string     `json:"subtype,omitempty"`
	Blocks    []Block    `json:"blocks,omitempty"`
	Reactions []Reaction `json:"reactions,omitempty"`
	File      *File      `json:"file,omitempty"`
}

// Clone returns a detached copy sharing no mutable backing arrays with the
// original. State accessors hand these out so callers can encode them after
// the state lock is released.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Reactions != nil {
		c.Reactions = make([]Reaction, len(m.Reactions))
		for i, r := range m.Reactions {
			c.Reactions[i] = r
			c.Reactions[i].Users = append([]string(nil), r.Users...)
		}
	}
	if m.Blocks != nil {
		c.Blocks = append([]Block(nil), m.Blocks...)
	}
	c.File = m.File.Clone()
	return &c
}

// File is uploaded-file metadata. The binary lives on disk under the uploads
// directory; ID must be a single path segment.
type File struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Title      string   `json:"title"`
	Mimetype   string   `json:"mimetype"`
	Size       int      `json:"size"`
	URLPrivate string   `json:"url_private"`
	Channels   []string `json:"channels"`
	User       string   `json:"user"`
	IsExpanded bool     `json:"isExpanded"`
}

// Clone returns a detached copy of the file metadata.
func (f *File) Clone() *File {
	if f == nil {
		return nil
	}
	c := *f
	c.Channels = append([]string(nil), f.Channels...)
	return &c
}

// ViewState is an open modal. The inner view is the bot-supplied block-kit
// document, kept loose so the simulator can walk its blocks when rewriting
// submitted form values.
type ViewState struct {
	ID        string         `json:"id"`
	View      map[string]any `json:"view"`
	TriggerID string         `json:"trigger_id"`
	UserID    string         `json:"user_id"`
	ChannelID string         `json:"channel_id,omitempty"`
	BotID     string         `json:"bot_id"`
}

// AppConfig is what a bot posts after opening its transport connection.
type AppConfig struct {
	App       AppInfo    `json:"app"`
	Commands  []Command  `json:"commands,omitempty"`
	Shortcuts []Shortcut `json:"shortcuts,omitempty"`
}

type AppInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Command struct {
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
	UsageHint   string `json:"usage_hint,omitempty"`
}

type Shortcut struct {
	Name       string `json:"name"`
	Type       string `json:"type,omitempty"`
	CallbackID string `json:"callback_id"`
}
