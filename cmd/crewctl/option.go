package main

// Options is the root command that groups sub-commands. The struct tags are
// interpreted by github.com/jessevdk/go-flags.
type Options struct {
	Server  string `short:"s" long:"server" env:"METACREW_SERVER" default:"http://127.0.0.1:8080" description:"MetaCrew server address"`
	Token   string `short:"t" long:"token" env:"METACREW_API_TOKEN" description:"API token sent as a bearer token"`
	Timeout string `long:"timeout" default:"30m" description:"request timeout, e.g. 90s or 30m"`

	Converse      *ConverseCmd      `command:"converse" description:"Run a collaborative conversation"`
	Conversations *ConversationsCmd `command:"conversations" description:"List recent conversation ids"`
	Transcript    *TranscriptCmd    `command:"transcript" description:"Print a stored conversation transcript"`
	Complete      *CompleteCmd      `command:"complete" description:"Run one chat completion with fallback"`
	Models        *ModelsCmd        `command:"models" description:"List upstream models"`
	Circuits      *CircuitsCmd      `command:"circuits" description:"Show circuit breaker states"`
	Usage         *UsageCmd         `command:"usage" description:"Show per-model traffic in the current minute"`
	Seal          *SealCmd          `command:"seal" description:"Encrypt an API key for the config file"`
}

// Init instantiates the sub-command named by arg so that flags.Parse can
// populate its fields. It reports whether arg named a command.
func (o *Options) Init(arg string) bool {
	switch arg {
	case "converse":
		o.Converse = &ConverseCmd{opts: o}
	case "conversations":
		o.Conversations = &ConversationsCmd{opts: o}
	case "transcript":
		o.Transcript = &TranscriptCmd{opts: o}
	case "complete":
		o.Complete = &CompleteCmd{opts: o}
	case "models":
		o.Models = &ModelsCmd{opts: o}
	case "circuits":
		o.Circuits = &CircuitsCmd{opts: o}
	case "usage":
		o.Usage = &UsageCmd{opts: o}
	case "seal":
		o.Seal = &SealCmd{}
	default:
		return false
	}
	return true
}
