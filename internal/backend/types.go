package backend

// Message is one prompt sent to a backend.
type Message struct {
	Role    string // "decompose", "solve" or "score"
	Content string
}

// Response is the text a backend replied with.
type Response struct {
	Content string
	Error   string
}

// Config defines the configuration for a backend.
type Config struct {
	Name         string
	Type         string // "command" or "template"
	Command      string
	Args         []string
	Env          []string // Extra KEY=VALUE pairs on top of the parent environment
	WorkDir      string
	Output       string // "text" (default), "json" or "jsonl"
	SystemPrompt string
	Rules        []Rule
}

// Rule is one reply of a template backend.
type Rule struct {
	Match string // Regular expression tested against the prompt
	Reply string // text/template executed with TemplateData
}
