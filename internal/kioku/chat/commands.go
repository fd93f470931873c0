package chat

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bdobrica/Kioku/internal/kioku/memory"
)

const commandPrefix = "/"

const startText = "Hi! I'm Kioku. I keep track of what you tell me, so you don't have to repeat yourself. Type /help to see what I can do."

const helpText = `Just write to me and I'll answer with what I remember about you.

Commands:
/history          show how many messages I keep and what they are
/history N        keep the last N messages in short-term memory
/clear            forget the recent conversation (long-term memory stays)
/temp X           set the reply temperature (0 to 2)
/help             show this message`

type command struct {
	name string
	args []string
}

type commandFunc func(ctx context.Context, userID string, args []string) (string, error)

// parseCommand splits "/name arg..." into its parts. Text not starting with
// the prefix, or a bare prefix, is not a command.
func parseCommand(text string) (command, bool) {
	if !strings.HasPrefix(text, commandPrefix) {
		return command{}, false
	}
	fields := strings.Fields(strings.TrimPrefix(text, commandPrefix))
	if len(fields) == 0 {
		return command{}, false
	}
	name := strings.ToLower(fields[0])
	// Telegram-style "/help@botname".
	if i := strings.IndexByte(name, '@'); i > 0 {
		name = name[:i]
	}
	return command{name: name, args: fields[1:]}, true
}

func (s *Service) runCommand(ctx context.Context, userID string, cmd command) (string, error) {
	fn, ok := s.commands[cmd.name]
	if !ok {
		return fmt.Sprintf("Unknown command /%s. Type /help for the list.", cmd.name), nil
	}
	return fn(ctx, userID, cmd.args)
}

func (s *Service) cmdStart(context.Context, string, []string) (string, error) {
	return startText, nil
}

func (s *Service) cmdHelp(context.Context, string, []string) (string, error) {
	return helpText, nil
}

func (s *Service) cmdHistory(_ context.Context, userID string, args []string) (string, error) {
	if len(args) == 0 {
		summary := s.conv.Summary(userID)
		if summary == "" {
			summary = "(empty)"
		}
		return fmt.Sprintf("I keep the last %d messages.\n%s", s.conv.Limit(userID), summary), nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return "Usage: /history N, where N is a whole number of at least 1.", nil
	}
	if err := s.conv.SetLimit(userID, n); err != nil {
		if memory.IsValidation(err) {
			return err.Error(), nil
		}
		return "", err
	}
	return fmt.Sprintf("OK, I'll keep the last %d messages.", n), nil
}

func (s *Service) cmdClear(_ context.Context, userID string, _ []string) (string, error) {
	s.conv.Clear(userID)
	return "Recent conversation cleared. What I learned about you is still remembered.", nil
}

func (s *Service) cmdTemp(_ context.Context, _ string, args []string) (string, error) {
	setter, ok := s.completer.(TemperatureSetter)
	if !ok {
		return "This model does not support changing the temperature.", nil
	}
	if len(args) == 0 {
		return "Usage: /temp X, where X is between 0 and 2.", nil
	}
	t, err := strconv.ParseFloat(strings.Replace(args[0], ",", ".", 1), 64)
	if err != nil {
		return "Usage: /temp X, where X is between 0 and 2.", nil
	}
	if err := setter.SetTemperature(t); err != nil {
		if memory.IsValidation(err) {
			return err.Error(), nil
		}
		return "", err
	}
	return fmt.Sprintf("Temperature set to %g.", t), nil
}
