package tokens

import (
	"testing"

	"github.com/RichardoC/relaychat/internal/models"
	"github.com/stretchr/testify/require"
)

func TestCounter_FallbackEstimate(t *testing.T) {
	c := &Counter{}
	require.False(t, c.Exact())
	require.Equal(t, 0, c.Count(""))
	require.Equal(t, 1, c.Count("hi"))
	require.Equal(t, 2, c.Count("hello wo"))
}

func TestCounter_CountMessagesAddsOverhead(t *testing.T) {
	c := &Counter{}
	msgs := []models.Message{
		models.NewMessage(models.RoleSystem, "You are a helpful assistant."),
		models.NewMessage(models.RoleUser, "hi"),
	}
	require.Equal(t, 2*perMessageOverhead+7+1, c.CountMessages(msgs))
}

func TestNewCounter_UsesEmbeddedEncoding(t *testing.T) {
	c, err := NewCounter("gpt-3.5-turbo")
	require.NoError(t, err)
	require.True(t, c.Exact())
	require.Equal(t, 2, c.Count("hello world"))
}

func TestNewCounter_UnknownModelFallsBackToDefaultEncoding(t *testing.T) {
	c, err := NewCounter("not-a-real-model")
	require.NoError(t, err)
	require.True(t, c.Exact())
	require.Equal(t, 2, c.Count("hello world"))
}
