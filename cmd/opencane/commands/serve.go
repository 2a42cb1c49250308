package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/opencane/opencane/pkg/audiopipe"
	"github.com/opencane/opencane/pkg/config"
	"github.com/opencane/opencane/pkg/dtask"
	"github.com/opencane/opencane/pkg/gateway"
	"github.com/opencane/opencane/pkg/httpapi"
	"github.com/opencane/opencane/pkg/ingest"
	"github.com/opencane/opencane/pkg/profile"
	"github.com/opencane/opencane/pkg/provider"
	"github.com/opencane/opencane/pkg/runtime"
	"github.com/opencane/opencane/pkg/safety"
	"github.com/opencane/opencane/pkg/store"
	"github.com/opencane/opencane/pkg/vecstore"
	"github.com/opencane/opencane/pkg/vision"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the device runtime and control API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg.Logging.Level)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("serve: create data dir: %w", err)
	}
	db, err := store.Open(filepath.Join(cfg.DataDir, "db"))
	if err != nil {
		return err
	}
	defer db.Close()

	var openAI *provider.OpenAI
	if cfg.Providers.OpenAI.APIKey != "" {
		openAI = provider.NewOpenAI(provider.OpenAIOptions{
			APIKey:          cfg.Providers.OpenAI.APIKey,
			BaseURL:         cfg.Providers.OpenAI.BaseURL,
			ChatModel:       cfg.Providers.OpenAI.ChatModel,
			VisionModel:     cfg.Providers.OpenAI.VisionModel,
			EmbedModel:      cfg.Providers.OpenAI.EmbedModel,
			TranscribeModel: cfg.Providers.OpenAI.TranscribeModel,
			SpeechModel:     cfg.Providers.OpenAI.SpeechModel,
			SpeechVoice:     cfg.Providers.OpenAI.SpeechVoice,
			EmbedDim:        cfg.Providers.OpenAI.EmbedDim,
		})
	}

	policy := safety.NewPolicy(safety.Config{
		Disabled:                       cfg.Safety.Disabled,
		LowConfidenceThreshold:         cfg.Safety.LowConfidenceThreshold,
		MaxOutputChars:                 cfg.Safety.MaxOutputChars,
		DisableCautionPrefix:           cfg.Safety.DisableCautionPrefix,
		DisableSemanticGuard:           cfg.Safety.DisableSemanticGuard,
		DirectionalConfidenceThreshold: cfg.Safety.DirectionalConfidenceThreshold,
	})

	var index *vecstore.Index
	var visionPipe *vision.Pipeline
	if cfg.Vision.Enabled {
		assets, err := buildAssets(ctx, cfg)
		if err != nil {
			return err
		}
		index = vecstore.New(openAI, 0)
		visionPipe = vision.NewPipeline(vision.PipelineOptions{
			Store:       db,
			Assets:      assets,
			Analyzer:    openAI,
			Indexer:     index,
			MaxDistance: cfg.Vision.DedupThreshold,
			HashWindow:  cfg.Vision.HashWindow,
			Logger:      log,
		})
	}

	adapter, wsServer, err := buildAdapter(cfg, log)
	if err != nil {
		return err
	}

	var audio *audiopipe.Pipeline
	var dialogue provider.Responder
	var tts runtime.TTSProvider
	if openAI != nil {
		audio = audiopipe.New(audiopipe.Options{
			Transcribe: func(ctx context.Context, data []byte) (string, error) {
				return openAI.Transcribe(ctx, data, "audio/wav")
			},
			Logger: log,
		})
		dialogue = openAI
		tts = openAI
	}

	rt, err := runtime.New(runtime.Options{
		Adapter:            adapter,
		Store:              db,
		Audio:              audio,
		Vision:             visionPipe,
		Dialogue:           dialogue,
		TTS:                tts,
		Safety:             policy,
		RequireAuth:        cfg.Runtime.RequireAuth,
		TTSMode:            cfg.Runtime.TTSMode,
		TTSChunkChars:      cfg.Runtime.TTSChunkChars,
		TTSAudioChunkBytes: cfg.Runtime.TTSAudioChunkBytes,
		QueueSize:          cfg.Runtime.QueueSize,
		QueueWorkers:       cfg.Runtime.QueueWorkers,
		QueuePolicy:        ingest.ParsePolicy(cfg.Runtime.QueuePolicy),
		IdleTimeout:        time.Duration(cfg.Runtime.IdleTimeoutS) * time.Second,
		WatchdogInterval:   time.Duration(cfg.Runtime.WatchdogIntervalS) * time.Second,
		PartialMaxChars:    cfg.Runtime.PartialMaxChars,
		Retention: store.Retention{
			MaxEventAgeMS:     int64(cfg.Retention.EventAgeH) * int64(time.Hour/time.Millisecond),
			MaxOperationAgeMS: int64(cfg.Retention.OperationAgeH) * int64(time.Hour/time.Millisecond),
			MaxImagesPerSess:  cfg.Retention.ImagesPerSession,
		},
		RetentionInterval: time.Duration(cfg.Retention.IntervalM) * time.Minute,
		Logger:            log,
	})
	if err != nil {
		return err
	}

	var exec *dtask.Executor
	if cfg.Tasks.Enabled {
		var tools provider.ToolExecutor
		if len(cfg.Tasks.MCPServers) > 0 {
			mcp, err := provider.NewMCPExecutor(ctx, cfg.Tasks.MCPServers)
			if err != nil {
				return fmt.Errorf("serve: mcp: %w", err)
			}
			defer mcp.Close()
			tools = mcp
		}
		var fallback dtask.StepRunner
		if openAI != nil {
			fallback = &llmStepRunner{llm: openAI}
		}
		exec = dtask.New(dtask.Options{
			Store:          db,
			Tools:          tools,
			Fallback:       fallback,
			Sink:           rt,
			Safety:         policy,
			MaxConcurrent:  cfg.Tasks.MaxConcurrent,
			DefaultTimeout: time.Duration(cfg.Tasks.DefaultTimeoutS) * time.Second,
			Logger:         log,
		})
		rt.AttachTasks(exec)
	}

	if err := rt.Start(ctx); err != nil {
		return err
	}

	api, err := httpapi.New(httpapi.Options{
		Addr:        cfg.HTTP.Addr,
		Runtime:     rt,
		Store:       db,
		Tasks:       exec,
		Index:       index,
		AuthToken:   cfg.HTTP.AuthToken,
		NonceWindow: time.Duration(cfg.HTTP.NonceWindowS) * time.Second,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() { errCh <- api.Start() }()
	if wsServer != nil {
		go func() {
			log.Info("serve: websocket device endpoint listening", "addr", wsServer.Addr)
			err := wsServer.ListenAndServe()
			if err == http.ErrServerClosed {
				err = nil
			}
			errCh <- err
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("serve: shutting down")
	case err = <-errCh:
		if err != nil {
			log.Error("serve: listener failed", "error", err)
		}
	}

	shctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := api.Shutdown(shctx); serr != nil {
		log.Warn("serve: api shutdown", "error", serr)
	}
	if wsServer != nil {
		if serr := wsServer.Shutdown(shctx); serr != nil {
			log.Warn("serve: websocket shutdown", "error", serr)
		}
	}
	if serr := rt.Stop(shctx); serr != nil {
		log.Warn("serve: runtime stop", "error", serr)
	}
	if exec != nil {
		if serr := exec.Close(5 * time.Second); serr != nil {
			log.Warn("serve: executor close", "error", serr)
		}
	}
	return err
}

// buildAdapter constructs the device transport named by the config. The
// websocket adapter comes with its own http.Server, started by the caller.
func buildAdapter(cfg *config.Config, log *slog.Logger) (gateway.Adapter, *http.Server, error) {
	switch cfg.Adapter.Kind {
	case config.AdapterMock:
		return gateway.NewMock(0), nil, nil

	case config.AdapterWebSocket:
		ws := gateway.NewWebSocket(gateway.WebSocketOptions{Logger: log})
		path := cfg.Adapter.WebSocket.Path
		if path == "" {
			path = "/device"
		}
		mux := http.NewServeMux()
		mux.Handle(path, ws)
		srv := &http.Server{Addr: cfg.Adapter.WebSocket.Addr, Handler: mux}
		return ws, srv, nil

	case config.AdapterGenericMQTT:
		prof, err := profile.Resolve(cfg.Adapter.MQTT.Profile, cfg.ProfileOverrides())
		if err != nil {
			return nil, nil, err
		}
		return gateway.NewMQTT(gateway.MQTTOptions{
			Addr:     cfg.Adapter.MQTT.Addr,
			Profile:  prof,
			ClientID: cfg.Adapter.MQTT.ClientID,
			Username: cfg.Adapter.MQTT.Username,
			Password: cfg.Adapter.MQTT.Password,
			Logger:   log,
		}), nil, nil

	case config.AdapterEC600:
		a, err := gateway.NewEC600(gateway.MQTTOptions{
			Addr:     cfg.Adapter.MQTT.Addr,
			ClientID: cfg.Adapter.MQTT.ClientID,
			Username: cfg.Adapter.MQTT.Username,
			Password: cfg.Adapter.MQTT.Password,
			Logger:   log,
		})
		if err != nil {
			return nil, nil, err
		}
		return a, nil, nil
	}
	return nil, nil, fmt.Errorf("serve: unknown adapter kind %q", cfg.Adapter.Kind)
}

// buildAssets constructs the lifelog asset backend.
func buildAssets(ctx context.Context, cfg *config.Config) (vision.AssetStore, error) {
	a := cfg.Vision.Assets
	if a.Backend == "s3" {
		opts := []func(*awsconfig.LoadOptions) error{}
		if a.Region != "" {
			opts = append(opts, awsconfig.WithRegion(a.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("serve: aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg)
		return vision.NewS3AssetStore(client, a.Bucket, a.Prefix, a.MaxFiles, 0), nil
	}
	root := a.Root
	if root == "" {
		root = filepath.Join(cfg.DataDir, "lifelog")
	}
	return vision.NewLocalAssetStore(root, a.MaxFiles, 0)
}

// llmStepRunner serves the general stage of digital tasks with a plain chat
// completion when no MCP tool claimed the goal.
type llmStepRunner struct {
	llm provider.Responder
}

func (r *llmStepRunner) RunStep(ctx context.Context, goal, stage string) (string, error) {
	return r.llm.Respond(ctx, provider.ChatRequest{
		System: "You carry out small digital errands for a blind user's assistive device. " +
			"Complete the goal and answer with a short spoken-style status, one or two sentences.",
		Messages: []provider.ChatMessage{{Role: "user", Text: goal}},
	})
}
