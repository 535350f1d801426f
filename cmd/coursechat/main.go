package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/edumarket/chatcore/internal/config"
	"github.com/edumarket/chatcore/internal/history"
	"github.com/edumarket/chatcore/internal/logger"
	"github.com/edumarket/chatcore/internal/message"
	"github.com/edumarket/chatcore/internal/rest"
	"github.com/edumarket/chatcore/internal/session"
	"github.com/edumarket/chatcore/internal/transport"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: coursechat <conversation-id>")
		os.Exit(2)
	}
	conversationID := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.Log.Level)

	api, err := rest.New(cfg.API.BaseURL, cfg.API.Token)
	if err != nil {
		logger.L.Error("rest client init failed", "error", err)
		os.Exit(1)
	}

	var cache *history.Cache
	if cfg.History.CachePath != "" {
		cache, err = history.OpenCache(cfg.History.CachePath)
		if err != nil {
			logger.L.Warn("history cache unavailable; continuing without it", "error", err)
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	var sess *session.Session
	push := transport.New(transport.Config{
		URL:                  cfg.Push.URL,
		Token:                cfg.API.Token,
		SubscribeTimeout:     cfg.Push.SubscribeTimeout,
		ReconnectDelay:       cfg.Push.ReconnectDelay,
		MaxReconnectAttempts: cfg.Push.MaxReconnectAttempts,
	}, func(m message.Message) {
		sess.HandleLive(m)
		printTail(sess)
	})

	sess = session.New(session.Config{
		ConversationID: conversationID,
		Self:           selfFromToken(cfg.API.Token),
		Remote:         api,
		Push:           push,
		Store:          history.NewStore(api, cache, conversationID, cfg.History.PageSize),
	})
	defer sess.Close()

	go func() {
		for st := range push.StateChanges() {
			fmt.Printf("-- connection: %s\n", st)
		}
	}()

	ctx := context.Background()
	if err := sess.Open(ctx); err != nil {
		logger.L.Error("session open failed", "error", err)
		os.Exit(1)
	}
	if _, err := sess.LoadOlder(ctx); err != nil {
		logger.L.Warn("initial history load failed", "error", err)
	}
	printTail(sess)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/older":
			if _, err := sess.LoadOlder(ctx); err != nil {
				fmt.Printf("-- load failed: %v\n", err)
			}
		case strings.HasPrefix(line, "/switch "):
			if err := sess.SwitchConversation(strings.TrimPrefix(line, "/switch ")); err != nil {
				fmt.Printf("-- switch failed: %v\n", err)
			}
		default:
			if _, err := sess.Send(ctx, line, message.KindText); err != nil {
				fmt.Printf("-- send failed: %v\n", err)
			}
		}
		printTail(sess)
	}
}

// printTail renders the newest few reconciled messages, oldest of them
// first, the way a chat widget paints.
func printTail(sess *session.Session) {
	views := sess.Messages()
	if len(views) > 10 {
		views = views[:10]
	}
	for i := len(views) - 1; i >= 0; i-- {
		v := views[i]
		marker := ""
		if v.Status != "" {
			marker = fmt.Sprintf(" [%s]", v.Status)
		}
		fmt.Printf("%s %s: %s%s\n",
			v.Message.CreatedAt.Format("15:04:05"), v.Message.SenderName, v.Message.Content, marker)
	}
	fmt.Println("--")
}

// selfFromToken reads the local identity out of the bearer token's claims;
// the server verifies the token itself.
func selfFromToken(token string) session.Participant {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return session.Participant{}
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return session.Participant{}
	}
	p := session.Participant{}
	if sub, err := claims.GetSubject(); err == nil {
		p.ID = sub
	}
	if name, ok := claims["name"].(string); ok {
		p.Name = name
	}
	if role, ok := claims["role"].(string); ok {
		p.Role = role
	}
	return p
}
