package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/opencane/opencane/pkg/vecstore"
	"github.com/opencane/opencane/pkg/vision"
)

// Default models. Any OpenAI-compatible endpoint works via BaseURL, so these
// are only a convenience for the hosted API.
const (
	DefaultChatModel       = "gpt-4o-mini"
	DefaultVisionModel     = "gpt-4o-mini"
	DefaultEmbedModel      = "text-embedding-3-small"
	DefaultTranscribeModel = "whisper-1"
	DefaultSpeechModel     = "gpt-4o-mini-tts"
	DefaultSpeechVoice     = "alloy"

	defaultEmbedDim = 1536
)

// OpenAIOptions configures [OpenAI]. Zero values take defaults; only APIKey
// is required.
type OpenAIOptions struct {
	APIKey  string
	BaseURL string // "" for api.openai.com

	ChatModel       string
	VisionModel     string
	EmbedModel      string
	TranscribeModel string
	SpeechModel     string
	SpeechVoice     string
	EmbedDim        int

	MaxRetries int // retries on 429/5xx, default 2
	HTTPClient *http.Client
}

// OpenAI implements [Responder], [Transcriber], [Embedder], and the vision
// analyzer against the OpenAI API or any compatible endpoint.
type OpenAI struct {
	client          *openai.Client
	chatModel       string
	visionModel     string
	embedModel      string
	transcribeModel string
	speechModel     string
	speechVoice     string
	embedDim        int
	maxRetries      int
}

var (
	_ Responder         = (*OpenAI)(nil)
	_ Transcriber       = (*OpenAI)(nil)
	_ Embedder          = (*OpenAI)(nil)
	_ vecstore.Embedder = (*OpenAI)(nil)
	_ vision.Analyzer   = (*OpenAI)(nil)
)

// NewOpenAI builds the provider. The client is safe for concurrent use.
func NewOpenAI(opts OpenAIOptions) *OpenAI {
	clientOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	client := openai.NewClient(clientOpts...)

	p := &OpenAI{
		client:          &client,
		chatModel:       opts.ChatModel,
		visionModel:     opts.VisionModel,
		embedModel:      opts.EmbedModel,
		transcribeModel: opts.TranscribeModel,
		speechModel:     opts.SpeechModel,
		speechVoice:     opts.SpeechVoice,
		embedDim:        opts.EmbedDim,
		maxRetries:      opts.MaxRetries,
	}
	if p.chatModel == "" {
		p.chatModel = DefaultChatModel
	}
	if p.visionModel == "" {
		p.visionModel = DefaultVisionModel
	}
	if p.embedModel == "" {
		p.embedModel = DefaultEmbedModel
	}
	if p.transcribeModel == "" {
		p.transcribeModel = DefaultTranscribeModel
	}
	if p.speechModel == "" {
		p.speechModel = DefaultSpeechModel
	}
	if p.speechVoice == "" {
		p.speechVoice = DefaultSpeechVoice
	}
	if p.embedDim <= 0 {
		p.embedDim = defaultEmbedDim
	}
	if p.maxRetries <= 0 {
		p.maxRetries = 2
	}
	return p
}

// Respond generates an assistant reply from the request's history.
func (p *OpenAI) Respond(ctx context.Context, req ChatRequest) (string, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessageParamUnion{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: param.NewOpt(req.System),
				},
			},
		})
	}
	for _, m := range req.Messages {
		if m.Role == "assistant" {
			msgs = append(msgs, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: param.NewOpt(m.Text),
					},
				},
			})
			continue
		}
		msgs = append(msgs, openai.ChatCompletionMessageParamUnion{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{
					OfString: param.NewOpt(m.Text),
				},
			},
		})
	}

	params := openai.ChatCompletionNewParams{
		Model:    p.chatModel,
		Messages: msgs,
	}
	if req.Temperature > 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}

	var resp *openai.ChatCompletion
	err := p.withRetry(ctx, func(ctx context.Context) error {
		var err error
		resp, err = p.client.Chat.Completions.New(ctx, params)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("provider: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	return resp.Choices[0].Message.Content, nil
}

// Analyze describes an image with the vision model. Satisfies the vision
// pipeline's Analyzer.
func (p *OpenAI) Analyze(ctx context.Context, image []byte, mime, question string) (string, error) {
	if mime == "" {
		mime = "image/jpeg"
	}
	uri := dataURI(image, mime)
	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(question),
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: uri,
		}),
	}
	params := openai.ChatCompletionNewParams{
		Model: p.visionModel,
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfArrayOfContentParts: parts,
					},
				},
			},
		},
	}

	var resp *openai.ChatCompletion
	err := p.withRetry(ctx, func(ctx context.Context) error {
		var err error
		resp, err = p.client.Chat.Completions.New(ctx, params)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("provider: vision analyze: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed returns the embedding vector for one text.
func (p *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Model:          p.embedModel,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Dimensions:     openai.Int(int64(p.embedDim)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}

	var resp *openai.CreateEmbeddingResponse
	err := p.withRetry(ctx, func(ctx context.Context) error {
		var err error
		resp, err = p.client.Embeddings.New(ctx, params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("provider: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, ErrNoChoices
	}
	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Transcribe converts speech audio into text.
func (p *OpenAI) Transcribe(ctx context.Context, audio []byte, mime string) (string, error) {
	params := openai.AudioTranscriptionNewParams{
		Model: openai.AudioModel(p.transcribeModel),
		File:  openai.File(bytes.NewReader(audio), fileNameForMIME(mime), mime),
	}

	var resp *openai.Transcription
	err := p.withRetry(ctx, func(ctx context.Context) error {
		var err error
		resp, err = p.client.Audio.Transcriptions.New(ctx, params)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("provider: transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// Synthesize renders text into speech audio. Satisfies the runtime's TTS
// provider for server_audio mode.
func (p *OpenAI) Synthesize(ctx context.Context, text string) ([]byte, error) {
	params := openai.AudioSpeechNewParams{
		Model: openai.SpeechModel(p.speechModel),
		Input: text,
		Voice: openai.AudioSpeechNewParamsVoice(p.speechVoice),
	}

	var audio []byte
	err := p.withRetry(ctx, func(ctx context.Context) error {
		resp, err := p.client.Audio.Speech.New(ctx, params)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		audio, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("provider: synthesize: %w", err)
	}
	return audio, nil
}

func dataURI(data []byte, mime string) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func fileNameForMIME(mime string) string {
	switch mime {
	case "audio/mp3", "audio/mpeg":
		return "audio.mp3"
	case "audio/ogg", "audio/opus":
		return "audio.ogg"
	case "audio/webm":
		return "audio.webm"
	default:
		return "audio.wav"
	}
}
