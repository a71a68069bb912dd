package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"im-sync/internal/chatsync"
	"im-sync/internal/client"
	"im-sync/internal/imtypes"
)

var metricsAddr string

var chatCmd = &cobra.Command{
	Use:   "chat <conversationID>",
	Short: "Open a conversation and chat interactively",
	Long: `Open a conversation, print its messages and send every typed line.

Commands:
  /older                 load the previous page
  /reply <id> <text>     reply to message <id>
  /react <id> <emoji>    toggle a reaction on message <id>
  /retry <tempId>        resend a failed message
  /seen                  mark the conversation as read
  /quit                  exit`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve engine metrics on this address")
}

func runChat(cmd *cobra.Command, args []string) error {
	sc, viewer, err := loadSync()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var metrics *chatsync.Metrics
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = chatsync.NewMetrics(reg)
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("指标服务启动失败")
			}
		}()
		defer srv.Close()
	}

	push := client.NewPush(sc)
	engine := chatsync.NewEngine(viewer, client.New(sc, push), chatsync.Options{
		PageSize:     sc.PageSize,
		SendTimeout:  sc.SendTimeout,
		RecentWindow: sc.RecentWindow,
		Metrics:      metrics,
	})
	go engine.Run(ctx)
	go func() { _ = push.Run(ctx, engine.HandleEvent) }()

	conv := args[0]
	out := cmd.OutOrStdout()
	r := newRenderer(out, viewer)
	unsubscribe := engine.Subscribe(func(s chatsync.Snapshot) {
		if s.Session.ConversationID != conv {
			return
		}
		msgs := engine.Messages(conv)
		if r.render(msgs) > 0 {
			go engine.MarkRendered(len(msgs))
		}
	})
	defer unsubscribe()

	if err := engine.LoadConversations(ctx); err != nil {
		log.Warn().Err(err).Msg("加载会话列表失败")
	}
	if s, ok := engine.Snapshot().State.Summary(conv); ok {
		fmt.Fprintf(out, "== %s ==\n", title(s))
	}
	if err := engine.Open(ctx, conv); err != nil {
		return err
	}

	in := bufio.NewScanner(cmd.InOrStdin())
	for in.Scan() {
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		quit, err := execLine(ctx, engine, conv, line)
		if err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
		if quit {
			break
		}
	}
	return in.Err()
}

func execLine(ctx context.Context, engine *chatsync.Engine, conv, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		_, err := engine.Send(ctx, imtypes.Content{Kind: imtypes.TextContent, Text: line}, nil)
		return false, err
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true, nil
	case "/older":
		res, err := engine.LoadOlder(ctx)
		if errors.Is(err, chatsync.ErrNoMorePages) {
			return false, errors.New("no older messages")
		}
		if err == nil && res.Prepended == 0 {
			return false, errors.New("nothing new loaded")
		}
		return false, err
	case "/seen":
		return false, engine.MarkSeen(ctx, conv)
	case "/retry":
		if len(fields) != 2 {
			return false, errors.New("usage: /retry <tempId>")
		}
		return false, engine.Retry(ctx, fields[1])
	case "/react":
		if len(fields) != 3 {
			return false, errors.New("usage: /react <id> <emoji>")
		}
		return false, engine.React(ctx, fields[1], fields[2])
	case "/reply":
		if len(fields) < 3 {
			return false, errors.New("usage: /reply <id> <text>")
		}
		target, ok := engine.Snapshot().State.FindMessage(conv, fields[1])
		if !ok {
			return false, chatsync.ErrUnknownMessage
		}
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, fields[0]), " "+fields[1]))
		reply := &imtypes.ReplySnapshot{MessageID: target.ID, SenderID: target.SenderID, Preview: target.Content.Preview()}
		_, err := engine.Send(ctx, imtypes.Content{Kind: imtypes.TextContent, Text: text}, reply)
		return false, err
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
}
