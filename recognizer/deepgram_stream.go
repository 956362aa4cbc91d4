package recognizer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"nhooyr.io/websocket"
)

const defaultDeepgramEndpoint = "wss://api.deepgram.com/v1/listen"

type streamConfig struct {
	Endpoint   string
	APIKey     string
	SampleRate int
	Channels   int
	Language   string
	Model      string
}

// rawStream is one websocket conversation with the service.
type rawStream interface {
	Send(pcm []byte) error
	Finalize() error
	Recv() (streamUpdate, error)
	Close() error
}

type streamUpdate struct {
	Type         string
	Transcript   string
	IsFinal      bool
	SpeechFinal  bool
	FromFinalize bool
}

type deepgramResponse struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	SpeechFinal  bool   `json:"speech_final"`
	FromFinalize bool   `json:"from_finalize"`
	Channel      struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func parseUpdate(data []byte) (streamUpdate, error) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return streamUpdate{}, fmt.Errorf("decode deepgram message: %w", err)
	}
	transcript := ""
	if len(resp.Channel.Alternatives) > 0 {
		transcript = resp.Channel.Alternatives[0].Transcript
	}
	return streamUpdate{
		Type:         resp.Type,
		Transcript:   strings.TrimSpace(transcript),
		IsFinal:      resp.IsFinal,
		SpeechFinal:  resp.SpeechFinal,
		FromFinalize: resp.FromFinalize,
	}, nil
}

func listenURL(cfg streamConfig) (string, error) {
	raw := cfg.Endpoint
	if raw == "" {
		raw = defaultDeepgramEndpoint
	}
	endpoint, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}

	q := endpoint.Query()
	model := cfg.Model
	if model == "" {
		model = "nova-3"
	}
	q.Set("model", model)
	q.Set("encoding", "linear16")
	q.Set("interim_results", "true")
	q.Set("smart_format", "true")
	if cfg.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	endpoint.RawQuery = q.Encode()
	return endpoint.String(), nil
}

type deepgramStream struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func dialDeepgram(ctx context.Context, cfg streamConfig) (rawStream, error) {
	u, err := listenURL(cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+cfg.APIKey)

	streamCtx, cancel := context.WithCancel(ctx)
	conn, resp, err := websocket.Dial(streamCtx, u, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		cancel()
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: deepgram returned %s", errUnauthorized, resp.Status)
		}
		return nil, fmt.Errorf("deepgram dial: %w", err)
	}
	return &deepgramStream{conn: conn, ctx: streamCtx, cancel: cancel}, nil
}

func (s *deepgramStream) Send(pcm []byte) error {
	return s.conn.Write(s.ctx, websocket.MessageBinary, pcm)
}

func (s *deepgramStream) Finalize() error {
	return s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"Finalize"}`))
}

func (s *deepgramStream) Recv() (streamUpdate, error) {
	_, data, err := s.conn.Read(s.ctx)
	if err != nil {
		return streamUpdate{}, err
	}
	return parseUpdate(data)
}

func (s *deepgramStream) Close() error {
	_ = s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
	s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
