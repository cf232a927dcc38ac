package agent

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"wecombot/internal/domain"
)

// ChatCommand represents a parsed chat command.
type ChatCommand struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// CommandResult holds the response for a handled command.
type CommandResult struct {
	Response string // text response to send back
	Handled  bool   // true if the command was handled (don't send to the backend)
}

// startTime records when the process started for /uptime.
var startTime = time.Now()

// ParseCommand checks if a message starts with "/" and parses it into a ChatCommand.
// Returns nil if the message is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	parts := strings.Fields(text)
	if len(parts) == 0 || parts[0] == "/" {
		return nil
	}

	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	return &ChatCommand{
		Name: strings.ToLower(strings.TrimPrefix(parts[0], "/")),
		Args: args,
		Raw:  text,
	}
}

// HandleCommand answers the built-in commands. Unknown commands return
// Handled=false so the text goes to the backend like any other message.
func (r *Replier) HandleCommand(cmd *ChatCommand, msg domain.InboundMessage) CommandResult {
	switch cmd.Name {
	case "help":
		return CommandResult{Response: helpText(), Handled: true}

	case "new", "clear":
		r.history.Clear(msg.ConversationKey())
		return CommandResult{Response: "Conversation cleared. Starting fresh.", Handled: true}

	case "status":
		return CommandResult{Response: r.statusText(msg), Handled: true}

	case "uptime":
		uptime := time.Since(startTime).Round(time.Second)
		return CommandResult{Response: fmt.Sprintf("Uptime: %s", uptime), Handled: true}

	case "version":
		return CommandResult{Response: fmt.Sprintf("wecombot v%s (%s/%s, Go %s)", version, runtime.GOOS, runtime.GOARCH, runtime.Version()), Handled: true}

	default:
		return CommandResult{Handled: false}
	}
}

// version is set by the build system. Default fallback.
var version = "0.1.0"

// SetVersion sets the version string used by commands.
func SetVersion(v string) {
	version = v
}

func helpText() string {
	return `**Commands**

/help - Show this help message
/new - Start a new conversation (clear history)
/clear - Same as /new
/status - Show bot status
/uptime - Show bot uptime
/version - Show version info`
}

func (r *Replier) statusText(msg domain.InboundMessage) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**wecombot v%s**\n\n", version)
	fmt.Fprintf(&sb, "Backend: %s\n", r.provider.Name())
	fmt.Fprintf(&sb, "History: %d turns kept\n", r.history.Len(msg.ConversationKey()))
	fmt.Fprintf(&sb, "Uptime: %s\n", time.Since(startTime).Round(time.Second))
	fmt.Fprintf(&sb, "Runtime: %s/%s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())
	return sb.String()
}
