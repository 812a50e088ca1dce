package services

import (
	"fmt"
	"os"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// NotifyOps drops a message into the operator Telegram channel. Used for
// the events a human should look at: refund failures, repeated provider
// failures, stuck jobs. Best effort only.
func NotifyOps(message string) {
	token := os.Getenv("TG_TOKEN")
	chatIdRaw := os.Getenv("TG_OPS_CHAT_ID")
	if token == "" || chatIdRaw == "" {
		fmt.Println("[Ops] Telegram not configured, skipping alert:", message)
		return
	}
	chatId, err := strconv.ParseInt(chatIdRaw, 10, 64)
	if err != nil {
		fmt.Println("[Ops] Invalid TG_OPS_CHAT_ID:", chatIdRaw)
		return
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		fmt.Println("Error initializing telegram BOT!", err)
		return
	}
	msg := tgbotapi.NewMessage(chatId, message)
	if _, err := bot.Send(msg); err != nil {
		fmt.Println("[Ops] Failed to send telegram alert:", err)
	}
}
