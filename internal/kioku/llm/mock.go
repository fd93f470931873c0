package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/bdobrica/Kioku/internal/kioku/memory"
)

// Echo is an offline memory.Completer for development and tests. Compaction
// requests are answered with the facts joined; anything else gets an
// acknowledgement that quotes the top recalled fact, which makes recall
// visible end to end.
type Echo struct{}

func (Echo) Complete(ctx context.Context, req memory.CompletionRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.SystemPrompt == memory.CompactionPrompt {
		texts := make([]string, len(req.Facts))
		for i, f := range req.Facts {
			texts[i] = f.RawText
		}
		return strings.Join(texts, "; "), nil
	}

	reply := fmt.Sprintf("You said: %s", req.UserMessage)
	if len(req.Facts) > 0 {
		reply += fmt.Sprintf(" (I remember: %s)", req.Facts[0].RawText)
	}
	return reply, nil
}

var _ memory.Completer = Echo{}
