package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gastownhall/chatsync/internal/channel"
	"github.com/gastownhall/chatsync/internal/chat"
	"github.com/gastownhall/chatsync/internal/config"
	"github.com/gastownhall/chatsync/internal/connmgr"
	"github.com/gastownhall/chatsync/internal/conversation"
	"github.com/gastownhall/chatsync/internal/convlist"
	"github.com/gastownhall/chatsync/internal/restapi"
	"github.com/gastownhall/chatsync/internal/tokenstore"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: chatsync [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Terminal client for marketplace conversations over WebSocket, with REST fallback.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nIn a conversation, lines typed on stdin are sent. Commands:\n")
		fmt.Fprintf(os.Stderr, "  /read            mark the conversation read\n")
		fmt.Fprintf(os.Stderr, "  /typing          show a typing indicator to the other side\n")
		fmt.Fprintf(os.Stderr, "  /status STATUS   change the conversation status\n")
	fmt.Fprintf(os.Stderr, "  /logout          forget the saved token, disconnect and exit\n")
		fmt.Fprintf(os.Stderr, "  /quit            exit\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  chatsync --list\n")
		fmt.Fprintf(os.Stderr, "  chatsync --conversation 12\n")
		fmt.Fprintf(os.Stderr, "  chatsync --token alice-token --user 1 --conversation 1\n")
	fmt.Fprintf(os.Stderr, "  chatsync --login alice-token\n")
	}

	conversationID := flag.Int64("conversation", 0, "conversation id to join")
	list := flag.Bool("list", false, "follow the conversation list")
	envFile := flag.String("env", ".env", "optional dotenv file")
	token := flag.String("token", "", "access token (default: read from the token file)")
	userID := flag.Int64("user", 0, "local user id (default: CHATSYNC_USER_ID)")
	wsURL := flag.String("ws-url", "", "websocket base URL (default: CHATSYNC_WS_URL)")
	apiURL := flag.String("api-url", "", "REST base URL (default: CHATSYNC_API_URL)")
	login := flag.String("login", "", "save an access token to the token file and exit")
	flag.Parse()

	if *login == "" && (*conversationID == 0) == !*list {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("chatsync: %v", err)
	}
	if *userID != 0 {
		cfg.UserID = *userID
	}
	if *wsURL != "" {
		cfg.WSBaseURL = *wsURL
	}
	if *apiURL != "" {
		cfg.APIBaseURL = *apiURL
	}

	if *login != "" {
		store, err := tokenstore.Open(cfg.TokenFile)
		if err != nil {
			log.Fatalf("chatsync: %v", err)
		}
		if err := store.Save(*login, ""); err != nil {
			log.Fatalf("chatsync: %v", err)
		}
		fmt.Printf("token saved to %s\n", store.Path())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var tokens tokenstore.Source
	var fileTokens *tokenstore.FileStore
	var onTokenChange []func()
	var tokenMu sync.Mutex
	if *token != "" {
		tokens = tokenstore.Static(*token)
	} else {
		store, err := tokenstore.Open(cfg.TokenFile)
		if err != nil {
			log.Fatalf("chatsync: %v", err)
		}
		tokens = store
		fileTokens = store
		go func() {
			err := store.Watch(ctx, func() {
				log.Printf("chatsync: token file changed")
				tokenMu.Lock()
				fns := onTokenChange
				tokenMu.Unlock()
				for _, fn := range fns {
					fn()
				}
			})
			if err != nil && ctx.Err() == nil {
				log.Printf("chatsync: token watch: %v", err)
			}
		}()
	}

	manager := connmgr.New(connmgr.WebSocketDialer(nil, 1<<20))
	defer manager.CloseAllConnections()
	rest := restapi.New(cfg.APIBaseURL, tokens, nil)

	// reconnectOnToken retries a channel that gave up or never had a token.
	reconnectOnToken := func(state func() channel.State, connect func(context.Context) error) {
		tokenMu.Lock()
		defer tokenMu.Unlock()
		onTokenChange = append(onTokenChange, func() {
			if state() != channel.Disconnected {
				return
			}
			if err := connect(ctx); err != nil {
				log.Printf("chatsync: reconnect: %v", err)
			}
		})
	}

	if *list {
		runList(ctx, cfg, tokens, manager, rest, reconnectOnToken)
		return
	}
	runConversation(ctx, cfg, *conversationID, tokens, manager, rest, reconnectOnToken, func() error {
		return logout(fileTokens, manager)
	})
}

// logout forgets the persisted token and closes every socket. With a
// token from the command line there is nothing to forget.
func logout(store *tokenstore.FileStore, manager *connmgr.Manager) error {
	var err error
	if store != nil {
		if err = store.Clear(); err == nil {
			log.Printf("chatsync: removed %s", store.Path())
		}
	}
	manager.CloseAllConnections()
	return err
}

func runList(ctx context.Context, cfg config.Config, tokens tokenstore.Source, manager *connmgr.Manager, rest *restapi.Client,
	onToken func(func() channel.State, func(context.Context) error)) {
	var l *convlist.Client
	l = convlist.New(convlist.Config{
		LocalUserID: cfg.UserID,
		WSBaseURL:   cfg.WSBaseURL,
		Tokens:      tokens,
		Manager:     manager,
		REST:        rest,
		Policy:      cfg.Reconnect,
		OnChange:    func() { printList(l) },
		OnStateChange: func(s channel.State) {
			fmt.Printf("-- conversation list %s\n", s)
		},
	})
	defer l.Close()
	onToken(l.State, l.Connect)

	if err := l.Load(ctx); err != nil {
		log.Printf("chatsync: load conversations: %s", restapi.ErrorMessage(err))
	}
	if err := l.Connect(ctx); err != nil {
		log.Printf("chatsync: connect: %v", err)
	}
	<-ctx.Done()
}

func printList(l *convlist.Client) {
	st := l.Stats(time.Now())
	fmt.Printf("== %d conversations, %d unread, %d pending, %d today\n", st.Total, st.Unread, st.Pending, st.Today)
	for _, c := range l.Conversations() {
		preview := ""
		if c.LatestMessage != nil {
			preview = c.LatestMessage.Content
			if len(preview) > 48 {
				preview = preview[:48] + "..."
			}
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d)", c.UnreadCount)
		}
		fmt.Printf("  #%-5d %-18s %-30s%s  %s\n", c.ID, c.Status, c.Subject, unread, preview)
	}
}

// terminalNotifier prints notifications inline.
type terminalNotifier struct{}

func (terminalNotifier) NewMessage(m chat.Message) {
	fmt.Printf("[%s] user %d: %s\n", m.CreatedAt.Local().Format("15:04"), m.SenderID, m.Content)
}

func (terminalNotifier) Blocked(reason string, violations []string) {
	if len(violations) > 0 {
		fmt.Printf("!! blocked: %s (%s)\n", reason, strings.Join(violations, ", "))
		return
	}
	fmt.Printf("!! blocked: %s\n", reason)
}

func (terminalNotifier) Error(message string) {
	fmt.Printf("!! %s\n", message)
}

func runConversation(ctx context.Context, cfg config.Config, id int64, tokens tokenstore.Source, manager *connmgr.Manager, rest *restapi.Client,
	onToken func(func() channel.State, func(context.Context) error), logout func() error) {
	var typingMu sync.Mutex
	var lastTyping string
	var c *conversation.Client
	c = conversation.New(conversation.Config{
		ConversationID: id,
		LocalUserID:    cfg.UserID,
		WSBaseURL:      cfg.WSBaseURL,
		Tokens:         tokens,
		Manager:        manager,
		REST:           rest,
		Notifier:       terminalNotifier{},
		Policy:         cfg.Reconnect,
		TypingTTL:      cfg.TypingTTL,
		OnChange: func() {
			typing := fmt.Sprint(c.TypingUsers())
			typingMu.Lock()
			defer typingMu.Unlock()
			if typing != lastTyping {
				lastTyping = typing
				if typing != "[]" {
					fmt.Printf("-- typing: %s\n", typing)
				}
			}
		},
		OnStateChange: func(s channel.State) {
			fmt.Printf("-- %s\n", s)
		},
	})
	defer c.Close()
	onToken(c.State, c.Connect)

	if err := c.Load(ctx); err != nil {
		log.Printf("chatsync: load conversation %d: %s", id, restapi.ErrorMessage(err))
	} else {
		conv := c.Conversation()
		fmt.Printf("== #%d %s [%s]\n", conv.ID, conv.Subject, conv.Status)
		for _, m := range c.Messages() {
			fmt.Printf("[%s] user %d: %s\n", m.CreatedAt.Local().Format("15:04"), m.SenderID, m.Content)
		}
	}
	if err := c.Connect(ctx); err != nil {
		log.Printf("chatsync: connect: %v (sending over REST)", err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleLine(ctx, c, rest, id, strings.TrimSpace(line), logout) {
				return
			}
		}
	}
}

// handleLine runs one stdin line and reports whether to keep going.
func handleLine(ctx context.Context, c *conversation.Client, rest *restapi.Client, id int64, line string, logout func() error) bool {
	switch {
	case line == "":
	case line == "/quit":
		return false
	case line == "/logout":
		if err := logout(); err != nil {
			fmt.Printf("!! logout: %v\n", err)
		}
		return false
	case line == "/read":
		if err := c.MarkRead(ctx); err != nil {
			fmt.Printf("!! mark read: %s\n", restapi.ErrorMessage(err))
		}
	case line == "/typing":
		if err := c.StartTyping(ctx); err != nil {
			fmt.Printf("!! typing: %v\n", err)
			break
		}
		time.AfterFunc(2*time.Second, func() { _ = c.StopTyping(context.Background()) })
	case strings.HasPrefix(line, "/status "):
		status := chat.Status(strings.TrimSpace(strings.TrimPrefix(line, "/status ")))
		if _, err := rest.UpdateStatus(ctx, id, status); err != nil {
			fmt.Printf("!! status: %s\n", restapi.ErrorMessage(err))
		}
	default:
		if err := c.Send(ctx, line, nil); err != nil {
			fmt.Printf("!! send (%s): %s\n", c.Transport().Name(), restapi.ErrorMessage(err))
		}
	}
	return true
}
