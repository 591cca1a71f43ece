package notify

import (
	"context"
	"errors"
	"testing"

	"roombook/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	args := m.Called(c)
	return args.Get(0).(tgbotapi.Message), args.Error(1)
}

func TestTelegramNotifier(t *testing.T) {
	sender := new(mockSender)
	notifier := NewTelegramNotifier(sender, nil)
	ctx := context.Background()

	t.Run("SendsHTML", func(t *testing.T) {
		sender.On("Send", mock.MatchedBy(func(c tgbotapi.Chattable) bool {
			msg, ok := c.(tgbotapi.MessageConfig)
			return ok && msg.ChatID == 123 && msg.Text == "<b>hello</b>" && msg.ParseMode == models.ParseModeHTML
		})).Return(tgbotapi.Message{}, nil).Once()

		assert.NoError(t, notifier.Notify(ctx, 123, "<b>hello</b>"))
		sender.AssertExpectations(t)
	})

	t.Run("SendError", func(t *testing.T) {
		sender.On("Send", mock.Anything).Return(tgbotapi.Message{}, errors.New("Forbidden: bot was blocked by the user")).Once()

		err := notifier.Notify(ctx, 456, "hi")
		assert.ErrorContains(t, err, "bot was blocked")
	})

	t.Run("MissingChat", func(t *testing.T) {
		assert.Error(t, notifier.Notify(ctx, 0, "hi"))
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, notifier.Notify(cctx, 123, "hi"), context.Canceled)
		sender.AssertNumberOfCalls(t, "Send", 2)
	})
}
