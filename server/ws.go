package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/xhad/hark/internal/models"
	"github.com/xhad/hark/pkg/errs"
	"github.com/xhad/hark/pkg/pipeline"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Be careful with this in production
	},
}

var urlRegex = regexp.MustCompile(`https?://[^\s]+`)

// Message types exchanged over /ws.
const (
	TypeIngest   = "ingest"
	TypeQuery    = "query"
	TypeAsk      = "ask"
	TypeStatus   = "status"
	TypeProgress = "progress"
	TypeResult   = "result"
	TypeStream   = "stream"
	TypeResponse = "response"
	TypeError    = "error"
)

type Message struct {
	Type    string          `json:"type"`
	Content string          `json:"content"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type outMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Data    any    `json:"data,omitempty"`
}

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(msgType, content string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(outMessage{Type: msgType, Content: content, Data: data})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())

	c := &wsConn{conn: conn}
	conn.SetReadLimit(s.config.MaxUploadBytes/3*4 + 4096)

	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", slog.String("error", err.Error()))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			s.sendMessage(c, TypeError, fmt.Sprintf("invalid message: %v", err), nil)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleMessage(ctx, c, msg)
		}()
	}
}

func (s *Server) handleMessage(ctx context.Context, c *wsConn, msg Message) {
	switch msg.Type {
	case TypeIngest:
		s.wsIngest(ctx, c, msg)
	case TypeQuery:
		s.wsQuery(ctx, c, msg.Content)
	case TypeAsk, "":
		// a bare URL is an ingestion request
		if url := urlRegex.FindString(msg.Content); url != "" && strings.TrimSpace(msg.Content) == url {
			s.wsIngest(ctx, c, Message{Type: TypeIngest, Content: url})
			return
		}
		s.wsAsk(ctx, c, msg.Content)
	default:
		s.sendMessage(c, TypeError, fmt.Sprintf("unknown message type %q", msg.Type), nil)
	}
}

func (s *Server) wsIngest(ctx context.Context, c *wsConn, msg Message) {
	observe := func(run pipeline.Run) {
		s.sendMessage(c, TypeStatus, string(run.State), run)
	}

	var assets []models.AudioAsset
	if url := urlRegex.FindString(msg.Content); url != "" {
		if s.config.Fetcher == nil {
			s.sendMessage(c, TypeError, "remote ingestion is not enabled", nil)
			return
		}
		s.sendMessage(c, TypeStatus, fmt.Sprintf("Fetching URL: %s", url), nil)

		found, err := s.config.Fetcher.Collect(ctx, url)
		if err != nil {
			s.sendMessage(c, TypeError, fmt.Sprintf("Failed to fetch URL: %v", err), nil)
			return
		}
		assets = found
		s.sendMessage(c, TypeProgress, fmt.Sprintf("Found %d recordings", len(assets)), nil)
	} else {
		var req UploadRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.sendMessage(c, TypeError, "ingest message needs a URL or upload data", nil)
			return
		}
		asset, err := s.decodeUpload(req)
		if err != nil {
			s.sendError(c, err)
			return
		}
		assets = []models.AudioAsset{asset}
	}

	for i, asset := range assets {
		run, err := s.config.Pipeline.Ingest(ctx, asset, observe)
		if err != nil {
			s.sendError(c, err)
			return
		}
		s.sendMessage(c, TypeResult, fmt.Sprintf("Stored %d chunks (%d/%d)", run.Chunks, i+1, len(assets)), run)
	}
}

func (s *Server) wsQuery(ctx context.Context, c *wsConn, query string) {
	results, err := s.search(ctx, query)
	if err != nil {
		s.sendError(c, err)
		return
	}
	s.sendMessage(c, TypeResult, models.FormatResults(results), results)
}

func (s *Server) wsAsk(ctx context.Context, c *wsConn, query string) {
	results, err := s.search(ctx, query)
	if err != nil {
		s.sendError(c, err)
		return
	}

	if s.config.Chat == nil {
		s.sendMessage(c, TypeResult, models.FormatResults(results), results)
		return
	}

	if s.config.Streaming {
		stream, err := s.config.Chat.AnswerStream(ctx, query, results)
		if err != nil {
			s.sendError(c, err)
			return
		}

		for chunk := range stream {
			if strings.HasPrefix(chunk, "Error:") {
				s.sendMessage(c, TypeError, chunk, nil)
				continue
			}
			s.sendMessage(c, TypeStream, chunk, nil)
		}
		return
	}

	answer, err := s.config.Chat.Answer(ctx, query, results)
	if err != nil {
		s.sendError(c, err)
		return
	}
	s.sendMessage(c, TypeResponse, answer, nil)
}

func (s *Server) search(ctx context.Context, query string) ([]models.QueryResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errs.NewConfigError("query", "query cannot be empty")
	}
	return s.config.Pipeline.Search(ctx, query, 0)
}

func (s *Server) sendError(c *wsConn, err error) {
	s.sendMessage(c, TypeError, err.Error(), ErrorResponse{Error: err.Error(), Stage: errs.StageOf(err)})
}

func (s *Server) sendMessage(c *wsConn, msgType, content string, data any) {
	if err := c.send(msgType, content, data); err != nil {
		s.logger.Debug("failed to send websocket message", slog.String("error", err.Error()))
	}
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
