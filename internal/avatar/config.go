package avatar

// Default avatar appearance and voice used by the synthesis service.
const (
	DefaultCharacter  = "lisa"
	DefaultStyle      = "casual-sitting"
	DefaultBackground = "#FFFFFF"
	DefaultVoice      = "en-US-AriaNeural"
)

// Config selects how the avatar looks and sounds. It is fixed for the
// lifetime of a session; changing it means disconnecting and connecting again.
type Config struct {
	Character       string `json:"character"`
	Style           string `json:"style"`
	BackgroundColor string `json:"background"`
	Voice           string `json:"voice"`
}

// DefaultConfig returns the stock avatar.
func DefaultConfig() Config {
	return Config{
		Character:       DefaultCharacter,
		Style:           DefaultStyle,
		BackgroundColor: DefaultBackground,
		Voice:           DefaultVoice,
	}
}

// WithDefaults fills empty fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Character == "" {
		c.Character = d.Character
	}
	if c.Style == "" {
		c.Style = d.Style
	}
	if c.BackgroundColor == "" {
		c.BackgroundColor = d.BackgroundColor
	}
	if c.Voice == "" {
		c.Voice = d.Voice
	}
	return c
}
