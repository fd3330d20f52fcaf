// parlo-chat is a terminal voice chat: it creates a call, joins it over the
// session websocket, streams the microphone up, and plays agent audio while
// printing the agent transcript. Final utterances are logged to a local
// SQLite store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/parlo-go/parlo/internal/dotenv"
	"github.com/parlo-go/parlo/pkg/audio"
	"github.com/parlo-go/parlo/pkg/store"
	parlo "github.com/parlo-go/parlo/sdk"
)

func main() {
	baseURL := flag.String("base-url", "", "Voice API base URL (default: production, or a local parlo-proxy)")
	voice := flag.String("voice", "", "Agent voice name")
	system := flag.String("system", "", "System prompt")
	language := flag.String("language", "", "Language tag recorded with vocabulary words")
	agentFirst := flag.Bool("agent-first", true, "Agent speaks first")
	storePath := flag.String("store", "", "SQLite path for the conversation log (empty disables persistence)")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := dotenv.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "parlo-chat: %v\n", err)
		os.Exit(1)
	}

	if err := run(logger, *baseURL, *voice, *system, *language, *agentFirst, *storePath); err != nil {
		fmt.Fprintf(os.Stderr, "parlo-chat: %v\n", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, baseURL, voice, system, language string, agentFirst bool, storePath string) error {
	ctx := context.Background()

	clientOpts := []parlo.ClientOption{parlo.WithLogger(logger)}
	if baseURL != "" {
		clientOpts = append(clientOpts, parlo.WithBaseURL(baseURL))
	}
	client := parlo.NewClient(clientOpts...)

	call, err := client.CreateCall(ctx, &parlo.CallRequest{
		SystemPrompt:     system,
		Voice:            voice,
		AgentSpeaksFirst: agentFirst,
	})
	if err != nil {
		return fmt.Errorf("create call: %w", err)
	}

	var log *store.Store
	if storePath != "" {
		log, err = store.Open(ctx, storePath, logger)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer log.Close()
	}

	speaker, err := audio.NewSpeaker()
	if err != nil {
		return fmt.Errorf("open speaker: %w", err)
	}
	defer speaker.Close()

	session := client.NewSession(parlo.SessionConfig{
		Capture:  audio.NewMic(),
		Playback: speaker,
		Logger:   logger,
	})

	callID := "call_" + uuid.NewString()
	done := make(chan struct{})

	session.OnState(func(state parlo.State) {
		fmt.Printf("\n[%s]\n", state)
	})
	session.OnOutput(func(text string, final bool) {
		if final {
			fmt.Printf("\ragent: %s\n", text)
			if log == nil {
				return
			}
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := log.SaveTranscript(saveCtx, callID, text); err != nil {
				logger.Warn("save transcript", "error", err)
			}
			for _, word := range splitWords(text) {
				if err := log.AddWord(saveCtx, word, language); err != nil {
					logger.Warn("add word", "error", err)
				}
			}
			return
		}
		fmt.Printf("\ragent: %s", text)
	})
	session.OnError(func(err error) {
		fmt.Fprintf(os.Stderr, "\nsession error: %v\n", err)
	})
	session.OnEnded(func() {
		close(done)
	})

	if err := session.Connect(ctx, call.JoinURL); err != nil {
		return fmt.Errorf("join call: %w", err)
	}

	fmt.Println("connected — speak, or press Ctrl-C to hang up")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		session.Disconnect()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
		}
	case <-done:
	}

	fmt.Println("\ncall ended")
	return nil
}

// splitWords extracts vocabulary candidates from an utterance, dropping
// punctuation and anything too short to be worth tracking.
func splitWords(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	var out []string
	for _, f := range fields {
		f = strings.Trim(strings.ToLower(f), "'")
		if len([]rune(f)) < 3 {
			continue
		}
		out = append(out, f)
	}
	return out
}
