// Package tokens estimates prompt sizes for logging.
package tokens

import (
	"sync"

	"github.com/RichardoC/relaychat/internal/models"
	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

const fallbackEncoding = "cl100k_base"

// perMessageOverhead approximates the role and separator tokens the chat
// format adds around each message.
const perMessageOverhead = 4

var loaderOnce sync.Once

// useEmbeddedEncodings makes tiktoken read its BPE ranks from the embedded
// loader rather than downloading them at first use.
func useEmbeddedEncodings() {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
}

type Counter struct {
	enc *tiktoken.Tiktoken
}

// NewCounter returns a counter for model. When no encoding can be loaded
// the counter falls back to a length based estimate, so err is only
// informational.
func NewCounter(model string) (*Counter, error) {
	useEmbeddedEncodings()

	enc, err := tiktoken.EncodingForModel(model)
	if err == nil {
		return &Counter{enc: enc}, nil
	}
	enc, err = tiktoken.GetEncoding(fallbackEncoding)
	if err != nil {
		return &Counter{}, err
	}
	return &Counter{enc: enc}, nil
}

// Exact reports whether counts come from a real tokenizer.
func (c *Counter) Exact() bool { return c.enc != nil }

func (c *Counter) Count(text string) int {
	if c.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

func (c *Counter) CountMessages(msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead + c.Count(m.Content)
	}
	return total
}
