package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"im-sync/internal/auth"
	"im-sync/internal/config"
	"im-sync/internal/logging"
	"im-sync/internal/models"
	appRedis "im-sync/internal/redis"
	"im-sync/internal/services"
	"im-sync/internal/storage"
)

const usage = `使用方法:
  admin list-participants <conversationID>          列出会话的所有参与者
  admin show-conversation <conversationID>          显示会话信息
  admin create-user <username> [nickname]            创建用户
  admin create-direct <userID> <peerID>              获取或创建私聊会话
  admin create-group <ownerID> <name> [memberID...]  创建群聊
  admin issue-token <userID>                         为用户签发访问令牌
  admin revoke-token <token>                         吊销访问令牌`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "无法加载配置: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogLevel, true)

	// 管理工具直接使用 lib/pq 驱动打开连接，再交给 gorm
	dsn, err := storage.BuildDSN(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("数据库配置无效")
	}
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("连接数据库失败")
	}
	defer sqlDB.Close()
	db, err := storage.OpenWithConn(sqlDB)
	if err != nil {
		log.Fatal().Err(err).Msg("创建 GORM 实例失败")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a := &admin{cfg: cfg, db: db}
	if err := a.run(ctx, os.Args[1], os.Args[2:]); err != nil {
		log.Fatal().Err(err).Str("command", os.Args[1]).Msg("命令执行失败")
	}
}

type admin struct {
	cfg config.Config
	db  *gorm.DB
}

func (a *admin) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "list-participants":
		id, err := argID(args, 0, "会话ID")
		if err != nil {
			return err
		}
		return a.listParticipants(ctx, id)
	case "show-conversation":
		id, err := argID(args, 0, "会话ID")
		if err != nil {
			return err
		}
		return a.showConversation(ctx, id)
	case "create-user":
		if len(args) < 1 {
			return fmt.Errorf("需要指定用户名")
		}
		u := &models.User{Username: args[0]}
		if len(args) > 1 {
			u.Nickname = args[1]
		}
		if err := storage.NewGormUserRepository(a.db).Create(ctx, u); err != nil {
			return err
		}
		fmt.Printf("用户已创建: ID=%d, 用户名=%s\n", u.ID, u.Username)
		return nil
	case "create-direct":
		userID, err := argID(args, 0, "用户ID")
		if err != nil {
			return err
		}
		peerID, err := argID(args, 1, "对方用户ID")
		if err != nil {
			return err
		}
		svc, closeFn, err := a.conversations(ctx)
		if err != nil {
			return err
		}
		defer closeFn()
		summary, created, err := svc.GetOrCreateDirect(ctx, userID, peerID)
		if err != nil {
			return err
		}
		fmt.Printf("私聊会话 %s (新建: %v)\n", summary.ID, created)
		return nil
	case "create-group":
		ownerID, err := argID(args, 0, "群主ID")
		if err != nil {
			return err
		}
		if len(args) < 2 {
			return fmt.Errorf("需要指定群组名称")
		}
		input := services.CreateGroupInput{Name: args[1]}
		for i := 2; i < len(args); i++ {
			id, err := argID(args, i, "成员ID")
			if err != nil {
				return err
			}
			input.MemberIDs = append(input.MemberIDs, id)
		}
		svc, closeFn, err := a.conversations(ctx)
		if err != nil {
			return err
		}
		defer closeFn()
		summary, err := svc.CreateGroup(ctx, ownerID, input)
		if err != nil {
			return err
		}
		fmt.Printf("群聊会话 %s: %s\n", summary.ID, summary.Name)
		return nil
	case "issue-token":
		userID, err := argID(args, 0, "用户ID")
		if err != nil {
			return err
		}
		u, err := storage.NewGormUserRepository(a.db).GetByID(ctx, userID)
		if err != nil {
			return fmt.Errorf("查找用户失败: %w", err)
		}
		token, err := auth.GenerateToken(u.ID, u.Username, a.cfg.Auth)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	case "revoke-token":
		if len(args) < 1 {
			return fmt.Errorf("需要指定令牌")
		}
		return a.revokeToken(ctx, args[0])
	default:
		return fmt.Errorf("未知命令: %s\n%s", command, usage)
	}
}

func argID(args []string, i int, what string) (uint, error) {
	if len(args) <= i {
		return 0, fmt.Errorf("需要指定%s", what)
	}
	id, err := strconv.ParseUint(args[i], 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("无效的%s: %q", what, args[i])
	}
	return uint(id), nil
}

// conversations 构造会话服务；未读计数需要 Redis，事件在管理工具中不推送。
func (a *admin) conversations(ctx context.Context) (services.ConversationService, func(), error) {
	client, err := appRedis.Connect(ctx, a.cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	svc := services.NewConversationService(
		storage.NewGormConversationRepository(a.db),
		storage.NewGormMessageRepository(a.db),
		storage.NewGormUserRepository(a.db),
		storage.NewGormGroupRepository(a.db),
		appRedis.NewUnreadCounter(client),
		nil,
	)
	return svc, func() { _ = client.Close() }, nil
}

func (a *admin) revokeToken(ctx context.Context, token string) error {
	claims, err := auth.ValidateToken(ctx, token, a.cfg.Auth.JWTSecretKey, nil)
	if err != nil {
		return err
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return auth.ErrTokenNoJTI
	}
	client, err := appRedis.Connect(ctx, a.cfg.Redis)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := appRedis.NewRedisTokenBlacklist(client).Add(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return err
	}
	fmt.Printf("令牌 %s (用户 %d) 已吊销，至 %s\n", claims.ID, claims.UserID, claims.ExpiresAt.Time.Format(time.DateTime))
	return nil
}

func (a *admin) listParticipants(ctx context.Context, conversationID uint) error {
	participants, err := storage.NewGormConversationRepository(a.db).GetConversationParticipants(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("获取参与者失败: %w", err)
	}
	fmt.Printf("会话 %d 的参与者 (%d 人):\n", conversationID, len(participants))
	fmt.Println(strings.Repeat("-", 38))
	for i, p := range participants {
		lastRead := "-"
		if p.LastReadAt != nil {
			lastRead = p.LastReadAt.Format(time.DateTime)
		}
		fmt.Printf("#%d 用户ID: %d, 加入时间: %s, 最后已读: %s, 管理员: %v\n",
			i+1, p.UserID, p.JoinedAt.Format(time.DateTime), lastRead, p.IsAdmin)
	}
	return nil
}

func (a *admin) showConversation(ctx context.Context, conversationID uint) error {
	conv, err := storage.NewGormConversationRepository(a.db).GetConversationByID(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("查找会话失败: %w", err)
	}
	fmt.Printf("会话 %d 信息:\n", conversationID)
	fmt.Println(strings.Repeat("-", 38))
	fmt.Printf("类型: %s\n", conv.Type)
	if conv.Type == models.GroupConversation {
		if g, err := storage.NewGormGroupRepository(a.db).GetGroupByID(ctx, conv.TargetID); err == nil {
			fmt.Printf("群组: %d (%s), 群主: %d\n", g.ID, g.Name, g.OwnerID)
		}
	}
	fmt.Printf("创建时间: %s\n", conv.CreatedAt.Format(time.DateTime))
	if conv.LastMessageID != nil && conv.LastMessageAt != nil {
		fmt.Printf("最后消息: %d @ %s\n", *conv.LastMessageID, conv.LastMessageAt.Format(time.DateTime))
	}
	return nil
}
