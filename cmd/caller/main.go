// Command caller is a headless Chatline client. It keeps a signaling
// connection, answers or places calls and reads commands from stdin.
package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/Chatline/internal/client"
	"github.com/dkeye/Chatline/internal/client/call"
	"github.com/dkeye/Chatline/internal/client/rtc"
	"github.com/dkeye/Chatline/internal/config"
	"github.com/dkeye/Chatline/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	fs := pflag.NewFlagSet("chatline-caller", pflag.ExitOnError)
	config.ClientFlags(fs)
	autoAnswer := fs.Bool("auto-answer", false, "answer incoming calls right away")
	dial := fs.String("call", "", "user id to call once it is online")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.LoadClient(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	uid, err := domain.ParseUserID(cfg.UserID)
	if err != nil {
		log.Fatal().Err(err).Msg("user_id")
	}

	neg, err := rtc.NewNegotiator(cfg.ICEServers)
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc")
	}
	neg.RecordDir = cfg.Call.RecordDir

	dialer := &client.WSDialer{
		URL:              cfg.ServerURL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		PongWait:         cfg.PongWait,
		WriteWait:        cfg.WriteWait,
	}
	sup := client.NewSupervisor(dialer, uid, client.Options{
		Attempts:     cfg.Reconnect.Attempts,
		InitialDelay: cfg.Reconnect.InitialDelay,
		MaxDelay:     cfg.Reconnect.MaxDelay,
	})
	agent := client.NewAgent(sup, rtc.FileSource{Path: cfg.Call.MicFile}, neg, &domain.User{ID: uid})
	agent.Typing = client.NewTypingEmitter(sup, cfg.Call.TypingTimeout)
	agent.Calls.RingTimeout = cfg.Call.RingTimeout
	defer agent.Close()

	sup.OnState = func(s client.State) {
		log.Info().Str("state", s.String()).Msg("connection")
	}
	sup.OnFailed = func(err error) {
		log.Error().Err(err).Msg("connection failed, reconnect with: connect")
	}
	agent.OnTyping = func(n domain.TypingNotice) {
		log.Info().Str("user", string(n.UserID)).Bool("typing", n.IsTyping).Msg("typing")
	}
	agent.Calls.Hooks.OnNotice = func(n call.Notice) {
		ev := log.Info()
		if n.Err != nil {
			ev = log.Warn().Err(n.Err)
		}
		ev.Str("kind", string(n.Kind)).Str("peer", string(n.Peer)).Msg("call notice")
	}
	agent.Calls.Hooks.OnState = func(s call.State) {
		log.Info().Str("phase", s.Phase.String()).Str("peer", string(s.Peer)).Bool("muted", s.Muted).Msg("call")
		if s.Phase == call.PhaseRinging && *autoAnswer {
			go func() {
				if err := agent.Calls.AnswerCall(ctx); err != nil {
					log.Warn().Err(err).Msg("auto-answer")
				}
			}()
		}
	}

	target := domain.UserID(*dial)
	agent.OnPresence = func(online []domain.UserID) {
		log.Info().Interface("online", online).Msg("presence")
		if target == "" || agent.Calls.State().Phase != call.PhaseIdle || !sup.IsOnline(target) {
			return
		}
		peer := target
		target = ""
		go func() {
			if err := agent.Calls.StartCall(ctx, peer); err != nil {
				log.Warn().Err(err).Str("peer", string(peer)).Msg("call")
			}
		}()
	}

	if err := sup.Connect(); err != nil {
		log.Error().Err(err).Msg("connect")
	}

	go commands(ctx, agent)
	<-ctx.Done()
	log.Info().Msg("bye")
}

func commands(ctx context.Context, a *client.Agent) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		arg := ""
		if len(fields) > 1 {
			arg = fields[1]
		}
		var err error
		switch fields[0] {
		case "call":
			err = a.Calls.StartCall(ctx, domain.UserID(arg))
		case "answer":
			err = a.Calls.AnswerCall(ctx)
		case "reject":
			err = a.Calls.RejectCall()
		case "end":
			a.Calls.EndCall()
		case "mute":
			log.Info().Bool("muted", a.Calls.ToggleMute()).Msg("microphone")
		case "type":
			a.Typing.Keystroke(domain.UserID(arg))
		case "who":
			log.Info().Interface("online", a.Supervisor.Online()).Msg("presence")
		case "connect":
			err = a.Supervisor.Connect()
		default:
			log.Warn().Str("cmd", fields[0]).Msg("commands: call <id>, answer, reject, end, mute, type <id>, who, connect")
		}
		if err != nil {
			log.Warn().Err(err).Str("cmd", fields[0]).Msg("failed")
		}
	}
}
