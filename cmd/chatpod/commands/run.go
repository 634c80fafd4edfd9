package commands

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/murmulab/chatpod/pkg/audio/opusrt"
	"github.com/murmulab/chatpod/pkg/audio/pcm"
	"github.com/murmulab/chatpod/pkg/chatpod"
	"github.com/murmulab/chatpod/pkg/cli"
)

// podService is the service file name under the context directory.
const podService = "pod"

// PodServiceConfig holds the per-context backend settings, stored at
// <config>/contexts/<name>/pod.yaml.
type PodServiceConfig struct {
	// Transport selects ws or mqtt. Empty means ws.
	Transport string `yaml:"transport,omitempty" json:"transport,omitempty"`

	// URL is the wss:// endpoint (ws) or the broker URL (mqtt).
	URL string `yaml:"url" json:"url"`

	// ActivationURL is the provisioning base URL. Empty skips activation
	// and connects without a bearer token.
	ActivationURL string `yaml:"activation_url,omitempty" json:"activation_url,omitempty"`

	// PublishTopic and SubscribeTopic carry control messages (mqtt).
	PublishTopic   string `yaml:"publish_topic,omitempty" json:"publish_topic,omitempty"`
	SubscribeTopic string `yaml:"subscribe_topic,omitempty" json:"subscribe_topic,omitempty"`

	// ClientID overrides the broker client id (mqtt). Empty means the
	// device client id.
	ClientID string `yaml:"client_id,omitempty" json:"client_id,omitempty"`

	// Username and Password authenticate the broker connection (mqtt).
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}

// loadPodConfig resolves the context and reads its pod settings.
func loadPodConfig(cfg *cli.Config, contextName string) (*PodServiceConfig, error) {
	name, err := cfg.ResolveContext(contextName)
	if err != nil {
		return nil, err
	}
	svc, err := cli.LoadService[PodServiceConfig](cfg.ContextDir(name), podService)
	if err != nil {
		return nil, err
	}
	if svc.Transport == "" {
		svc.Transport = "ws"
	}
	return svc, nil
}

var (
	runContextName string
	runTransport   string
	runURL         string
	runMicPath     string
	runSpeakerPath string
	runRecordPath  string
	runTextMode    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to a pod backend and hold a conversation",
	Long: `Connect to the configured backend, start a conversation session and
stream audio until interrupted.

Without --mic the capture side feeds silence, which is useful together
with --text to drive the conversation from stdin. With --mic the given
WAV file is streamed as the user's speech (any sample rate; it is
resampled to the wire format). Received audio is discarded unless
--speaker names a file to write it to as raw 24 kHz mono PCM, or
--record names an Ogg Opus file to archive the received packets into.

Examples:
  chatpod run --mic question.wav --speaker reply.pcm
  chatpod run --text --record replies.ogg
  chatpod run -c staging --transport mqtt`,
	RunE: runEngine,
}

func init() {
	runCmd.Flags().StringVarP(&runContextName, "context", "c", "", "configuration context (defaults to current)")
	runCmd.Flags().StringVar(&runTransport, "transport", "", "transport override (ws or mqtt)")
	runCmd.Flags().StringVar(&runURL, "url", "", "endpoint URL override")
	runCmd.Flags().StringVar(&runMicPath, "mic", "", "WAV file to capture from (omit for silence)")
	runCmd.Flags().StringVar(&runSpeakerPath, "speaker", "", "file to write received audio to (raw 24k mono PCM)")
	runCmd.Flags().StringVar(&runRecordPath, "record", "", "Ogg Opus file to archive received packets into")
	runCmd.Flags().BoolVar(&runTextMode, "text", false, "read lines from stdin and send them as text input")
	rootCmd.AddCommand(runCmd)
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := GetConfig()
	if err != nil {
		return err
	}
	svc, err := loadPodConfig(cfg, runContextName)
	if err != nil {
		return err
	}
	if runTransport != "" {
		svc.Transport = runTransport
	}
	if runURL != "" {
		svc.URL = runURL
	}
	if svc.URL == "" {
		return fmt.Errorf("no endpoint URL configured. Set one first:\n" +
			"  chatpod config set <context> pod url wss://pods.example.com/v1/chat")
	}

	// Engine logs go to a ring buffer unless --verbose; the tail is dumped
	// to stderr on failure so quiet runs stay quiet.
	var (
		logger chatpod.Logger
		tail   *cli.LogWriter
	)
	if IsVerbose() {
		logger = chatpod.SlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	} else {
		tail = cli.NewLogWriter(200)
		logger = chatpod.SlogLogger(slog.New(slog.NewTextHandler(tail, nil)))
	}
	dumpTail := func() {
		if tail != nil && len(tail.Lines()) > 0 {
			fmt.Fprintln(os.Stderr, "--- engine log tail ---")
			tail.DumpTo(os.Stderr)
		}
	}

	var mic chatpod.Mic
	if runMicPath != "" {
		wav, err := chatpod.OpenWAVMic(runMicPath)
		if err != nil {
			return err
		}
		mic = wav
	} else {
		mic = chatpod.NewSilentMic(pcm.L16Mono16K)
	}
	var speaker chatpod.Speaker
	if runSpeakerPath != "" {
		out, err := chatpod.CreateFileSpeaker(runSpeakerPath, pcm.L16Mono24K)
		if err != nil {
			return err
		}
		speaker = out
	} else {
		speaker = chatpod.NewSinkSpeaker(pcm.L16Mono24K)
	}

	codec, err := chatpod.NewCodec(chatpod.CodecConfig{})
	if err != nil {
		return err
	}
	pipeCfg := chatpod.PipelineConfig{
		Mic:     mic,
		Speaker: speaker,
		Codec:   codec,
		Logger:  logger,
	}
	var rec *opusrt.OggWriter
	if runRecordPath != "" {
		out, err := os.Create(runRecordPath)
		if err != nil {
			return err
		}
		inbound := codec.Inbound()
		rec, err = opusrt.NewOggWriter(out, inbound.SampleRate, inbound.Channels)
		if err != nil {
			out.Close()
			return err
		}
		pipeCfg.Record = rec
	}
	pipe, err := chatpod.NewPipeline(pipeCfg)
	if err != nil {
		if rec != nil {
			rec.Close()
		}
		return err
	}
	closeAudio := func() {
		pipe.Close()
		if rec != nil {
			if err := rec.Close(); err != nil {
				cli.PrintWarning("recording: %v", err)
			}
		}
	}

	store, db, err := openDeviceStore(cfg)
	if err != nil {
		closeAudio()
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity, err := store.LoadOrCreateIdentity(ctx)
	if err != nil {
		closeAudio()
		return err
	}

	styles := cli.NewStyles(cli.DefaultTheme)

	var activator *chatpod.Activator
	if svc.ActivationURL != "" {
		activator = &chatpod.Activator{
			Endpoint: svc.ActivationURL,
			Store:    store,
			Identity: identity,
			Logger:   logger,
			OnVerificationCode: func(code, url string) {
				fmt.Println(styles.Title.Render("Verification code: " + code))
				if url != "" {
					fmt.Println(styles.Help.Render("Enter it at " + url))
				}
			},
		}
	}

	var connector chatpod.Connector
	switch svc.Transport {
	case "ws":
		connector = &chatpod.WSConnector{Identity: identity, Logger: logger}
	case "mqtt":
		connector = &chatpod.MQTTConnector{Identity: identity, Logger: logger}
	default:
		closeAudio()
		return fmt.Errorf("unknown transport %q (want ws or mqtt)", svc.Transport)
	}

	tools := chatpod.NewRegistry(chatpod.RegistryConfig{Logger: logger})
	if err := registerDeviceTools(tools, newPodDevice()); err != nil {
		closeAudio()
		return err
	}

	sess, err := chatpod.NewSession(chatpod.SessionConfig{
		Connector: connector,
		Endpoint: chatpod.Endpoint{
			URL:            svc.URL,
			PublishTopic:   svc.PublishTopic,
			SubscribeTopic: svc.SubscribeTopic,
			ClientID:       svc.ClientID,
			Username:       svc.Username,
			Password:       svc.Password,
		},
		Activator: activator,
		Pipeline:  pipe,
		Tools:     tools,
		Logger:    logger,
	})
	if err != nil {
		closeAudio()
		return err
	}

	// Print each state transition once. Stat-only republishes keep the
	// same display state and are skipped.
	events := sess.Subscribe()
	go func() {
		last := ""
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				name := ev.Display.String()
				if name == last && ev.Cause == "" {
					continue
				}
				last = name
				line := styles.State(name).Render(name)
				if ev.Cause != "" {
					line += " " + styles.Help.Render("("+ev.Cause+")")
				}
				fmt.Println(line)
			}
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	if err := sess.StartSession(ctx); err != nil {
		stop()
		<-runErr
		closeAudio()
		dumpTail()
		return err
	}

	if runTextMode {
		cli.PrintInfo("Type a message and press Enter. Ctrl+C to quit.")
		go textLoop(ctx, sess)
	} else {
		cli.PrintInfo("Session started. Ctrl+C to quit.")
	}

	err = <-runErr
	closeAudio()

	st := sess.Stats()
	cli.PrintInfo("sent %d frames, received %d, reconnects %d, tool calls %d",
		st.FramesSent, st.FramesReceived, st.Reconnects, st.ToolCalls)
	if runRecordPath != "" {
		cli.PrintInfo("recording written to %s", runRecordPath)
	}
	if err != nil {
		dumpTail()
		return err
	}
	return nil
}

// textLoop forwards stdin lines to the session as text input.
func textLoop(ctx context.Context, sess *chatpod.Session) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if err := sess.PushText(ctx, text); err != nil {
			cli.PrintError("send: %v", err)
		}
	}
}
