// Package app wires the agent together: config, local cache, REST client,
// the conversation socket, and the call engine.
package app

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/viewora/viewora-go/internal/api"
	"github.com/viewora/viewora-go/internal/call"
	"github.com/viewora/viewora-go/internal/chat"
	"github.com/viewora/viewora-go/internal/config"
	"github.com/viewora/viewora-go/internal/store"
	"github.com/viewora/viewora-go/internal/util"
)

// Mode selects what the agent does after connecting.
type Mode string

const (
	// ModeChat: interactive terminal chat on the conversation.
	ModeChat Mode = "chat"
	// ModeCall: place a call and stay on it until it ends.
	ModeCall Mode = "call"
	// ModeListen: headless; cache messages and auto-answer incoming calls.
	ModeListen Mode = "listen"
)

type Options struct {
	Dir        string
	CfgPath    string
	Cfg        config.Config
	InterestID int64
	Mode       Mode
}

// Run starts the agent for one conversation and blocks until ctx ends or the
// mode finishes.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	cfg.ApplyEnv()

	// ── Local cache
	st, err := store.Open(util.ResolvePath(opt.Dir, cfg.Store.DBPath))
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer st.Close()
	log.Printf("APP: cache at %s", st.Path())

	// Messages reference their interest row; make sure it exists even before
	// the first REST sync fills in the details.
	if err := st.EnsureInterest(opt.InterestID); err != nil {
		return fmt.Errorf("seed interest: %w", err)
	}

	client := api.NewClient(cfg.API)
	if err := login(ctx, client, cfg.API); err != nil {
		log.Printf("APP: %v", err)
	}
	if opt.Mode == ModeListen {
		registerPush(ctx, client, cfg.API)
	}

	// ── Conversation socket, seeded with history
	sess := chat.New(cfg.Chat, opt.InterestID)
	defer sess.Close()
	seedHistory(ctx, sess, st, client, opt.InterestID)

	events, cancelEvents := sess.Subscribe()
	defer cancelEvents()
	go persistEvents(st, opt.InterestID, events)

	sess.Start()

	// ── Call engine on the same socket
	mgr := call.New(sess, cfg.Call, cfg.Media)
	defer mgr.Close()

	// ── Config hot reload. Edits are picked up and validated; transport
	// settings apply on restart.
	watcher, err := config.Watch(opt.CfgPath, func(next config.Config) {
		log.Printf("APP: config updated; socket and call settings apply on restart")
	})
	if err != nil {
		log.Printf("APP: config watch unavailable: %v", err)
	} else {
		defer watcher.Close()
	}

	switch opt.Mode {
	case ModeCall:
		return runCall(ctx, mgr)
	case ModeListen:
		return runListen(ctx, mgr, sess)
	default:
		return runChat(ctx, mgr, sess, client, opt.InterestID)
	}
}

// seedHistory prefers fresh REST history and falls back to the local cache
// when the backend is unreachable.
func seedHistory(ctx context.Context, sess *chat.Session, st *store.DB, client *api.Client, interestID int64) {
	hist, err := client.ChatHistory(ctx, interestID)
	if err == nil {
		msgs := make([]*chat.Message, 0, len(hist))
		for _, h := range hist {
			msgs = append(msgs, &chat.Message{ID: h.ID, Sender: h.Sender, Body: h.Body, Time: h.Time, IsRead: h.IsRead})
			st.SaveMessage(store.Message{
				ID: h.ID, InterestID: interestID, Sender: h.Sender,
				Body: h.Body, SentAt: h.Time, IsRead: h.IsRead,
			})
		}
		sess.Seed(msgs)
		log.Printf("APP: seeded %d messages from history", len(msgs))
		return
	}

	log.Printf("APP: history fetch failed (%v), using cache", err)
	cached, cerr := st.Messages(interestID, chat.DefaultHistoryLimit)
	if cerr != nil {
		log.Printf("APP: cache read failed: %v", cerr)
		return
	}
	msgs := make([]*chat.Message, 0, len(cached))
	for _, c := range cached {
		msgs = append(msgs, &chat.Message{ID: c.ID, Sender: c.Sender, Body: c.Body, Time: c.SentAt, IsRead: c.IsRead})
	}
	sess.Seed(msgs)
	log.Printf("APP: seeded %d messages from cache", len(msgs))
}

// persistEvents mirrors live socket traffic into the cache.
func persistEvents(st *store.DB, interestID int64, events <-chan chat.Event) {
	for ev := range events {
		switch ev.Type {
		case chat.EventMessage:
			err := st.SaveMessage(store.Message{
				ID:         ev.Message.ID,
				InterestID: interestID,
				Sender:     ev.Message.Sender,
				Body:       ev.Message.Body,
				SentAt:     ev.Message.Time,
				IsRead:     ev.Message.IsRead,
			})
			if err != nil {
				log.Printf("APP: cache message: %v", err)
			}
		case chat.EventReceipt:
			if err := st.MarkRead(ev.ReadIDs); err != nil {
				log.Printf("APP: cache receipt: %v", err)
			}
		}
	}
}

// runChat drives an interactive terminal conversation. Lines are sent as
// messages; /call, /hangup, /read and /quit are commands.
func runChat(ctx context.Context, mgr *call.Manager, sess *chat.Session, client *api.Client, interestID int64) error {
	events, cancel := sess.Subscribe()
	defer cancel()

	mgr.OnIncoming(func(ic *call.IncomingCall) {
		fmt.Println("* incoming call — type /accept or /reject")
		pendingCall.store(ic)
	})

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for _, m := range sess.Messages() {
		printMessage(m)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case chat.EventMessage:
				printMessage(ev.Message)
				if err := client.MarkRead(ctx, interestID); err != nil {
					log.Printf("APP: mark read: %v", err)
				}
			case chat.EventReceipt:
				fmt.Printf("* read: %v\n", ev.ReadIDs)
			case chat.EventOpen:
				fmt.Println("* connected")
			case chat.EventClosed:
				fmt.Println("* connection lost, reconnecting")
			}

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done, err := handleCommand(ctx, line, mgr, sess, client); done || err != nil {
				return err
			}
		}
	}
}

// pendingCall holds the last unanswered incoming call for /accept. One slot
// is enough: the engine rings at most one call at a time.
var pendingCall pendingCallSlot

type pendingCallSlot struct {
	mu sync.Mutex
	ic *call.IncomingCall
}

func (p *pendingCallSlot) store(ic *call.IncomingCall) {
	p.mu.Lock()
	p.ic = ic
	p.mu.Unlock()
}

func (p *pendingCallSlot) take() *call.IncomingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	ic := p.ic
	p.ic = nil
	return ic
}

func handleCommand(ctx context.Context, line string, mgr *call.Manager, sess *chat.Session, client *api.Client) (bool, error) {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return false, nil

	case trimmed == "/quit":
		return true, nil

	case trimmed == "/call":
		if _, err := mgr.StartCall(ctx); err != nil {
			fmt.Printf("* call failed: %v\n", err)
		} else {
			fmt.Println("* ringing...")
		}
		return false, nil

	case trimmed == "/accept":
		ic := pendingCall.take()
		if ic == nil {
			fmt.Println("* no incoming call")
			return false, nil
		}
		if _, err := ic.Accept(ctx); err != nil {
			fmt.Printf("* accept failed: %v\n", err)
		}
		return false, nil

	case trimmed == "/reject":
		if ic := pendingCall.take(); ic != nil {
			ic.Reject()
		}
		return false, nil

	case trimmed == "/hangup":
		if cs, ok := mgr.Session(); ok {
			cs.Hangup()
		}
		return false, nil

	case strings.HasPrefix(trimmed, "/ask "):
		question := strings.TrimSpace(strings.TrimPrefix(trimmed, "/ask "))
		answer, err := client.AreaInsights(ctx, question)
		if err != nil {
			fmt.Printf("* insights failed: %v\n", err)
			return false, nil
		}
		fmt.Printf("* %s\n", answer)
		return false, nil

	case strings.HasPrefix(trimmed, "/"):
		fmt.Println("* commands: /call /accept /reject /hangup /ask /quit")
		return false, nil

	default:
		if err := sess.Send(trimmed); err != nil {
			log.Printf("APP: send: %v", err)
		}
		return false, nil
	}
}

func printMessage(m *chat.Message) {
	mark := " "
	if m.IsRead {
		mark = "✓"
	}
	fmt.Printf("[%s] %s %s: %s\n", m.Time, mark, m.Sender, m.Body)
}

// runCall places a call and stays on it until either side hangs up.
func runCall(ctx context.Context, mgr *call.Manager) error {
	sess, err := mgr.StartCall(ctx)
	if err != nil {
		return fmt.Errorf("start call: %w", err)
	}
	fmt.Println("* ringing...")

	select {
	case <-ctx.Done():
		sess.Hangup()
		return nil
	case <-sess.Done():
		status := sess.Status()
		log.Printf("APP: call over, %d packets received", status.PacketsReceived)
		return nil
	}
}

// runListen caches traffic and auto-answers calls until ctx ends.
func runListen(ctx context.Context, mgr *call.Manager, sess *chat.Session) error {
	mgr.OnIncoming(func(ic *call.IncomingCall) {
		log.Printf("APP: auto-answering incoming call")
		if _, err := ic.Accept(ctx); err != nil {
			log.Printf("APP: auto-answer failed: %v", err)
		}
	})

	log.Printf("APP: listening on conversation %d", sess.InterestID())
	<-ctx.Done()
	return nil
}
