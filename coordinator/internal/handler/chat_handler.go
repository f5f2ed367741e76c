package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/ailightning/ailightning/coordinator/internal/errors"
	"github.com/ailightning/ailightning/coordinator/internal/model"
	"github.com/ailightning/ailightning/pkg/nodeapi"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second

	pongWait = 60 * time.Second

	pingPeriod = (pongWait * 9) / 10

	maxPromptSize = 64 * 1024
)

// Chat frame types sent to the client
const (
	FrameToken = "token"
	FrameDone  = "done"
	FrameError = "error"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ChatPrompt is one client turn
type ChatPrompt struct {
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
}

// ChatFrame is one server message
type ChatFrame struct {
	Type            string `json:"type"`
	Content         string `json:"content,omitempty"`
	TokensGenerated int    `json:"tokens_generated,omitempty"`
	TokensEvaluated int    `json:"tokens_evaluated,omitempty"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
}

// ChatHandler serves the streaming chat websocket
type ChatHandler struct {
	sessions       Sessions
	errorHandler   *apperrors.Handler
	requestTimeout time.Duration
	logger         *zap.Logger
}

func NewChatHandler(sessions Sessions, errorHandler *apperrors.Handler, requestTimeout time.Duration, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		sessions:       sessions,
		errorHandler:   errorHandler,
		requestTimeout: requestTimeout,
		logger:         logger,
	}
}

// ServeWS handles GET /v1/sessions/{session_id}/chat. The session must be
// active before the upgrade.
func (h *ChatHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	session, err := h.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if session.State != model.SessionActive {
		h.errorHandler.HandleError(w, r, apperrors.Conflict("session "+sessionID+" is "+string(session.State)))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade chat connection", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	c := &chatConn{conn: conn}
	defer conn.Close()

	h.logger.Info("Chat connected", zap.String("session_id", sessionID))
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go c.keepAlive(ctx)

	conn.SetReadLimit(maxPromptSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("Chat read failed", zap.String("session_id", sessionID), zap.Error(err))
			}
			return
		}
		if !h.turn(ctx, c, sessionID, data) {
			c.close(websocket.ClosePolicyViolation, "session is no longer active")
			return
		}
	}
}

// turn runs one prompt. It returns false when the session can no longer
// serve prompts.
func (h *ChatHandler) turn(ctx context.Context, c *chatConn, sessionID string, data []byte) bool {
	var prompt ChatPrompt
	if err := json.Unmarshal(data, &prompt); err != nil {
		return c.write(ChatFrame{Type: FrameError, Code: string(apperrors.ErrorCodeInvalidRequest), Message: "prompt must be a JSON object"}) == nil
	}
	req := &nodeapi.CompletionRequest{
		Prompt:      prompt.Prompt,
		MaxTokens:   prompt.MaxTokens,
		Temperature: prompt.Temperature,
		Stop:        prompt.Stop,
		Stream:      true,
	}
	if err := req.Validate(); err != nil {
		return c.write(ChatFrame{Type: FrameError, Code: string(apperrors.ErrorCodeInvalidRequest), Message: err.Error()}) == nil
	}

	turnCtx, cancel := context.WithTimeout(ctx, h.requestTimeout)
	defer cancel()

	err := h.sessions.CompletionStream(turnCtx, sessionID, req, func(chunk nodeapi.StreamChunk) error {
		if chunk.Done {
			return c.write(ChatFrame{
				Type:            FrameDone,
				Content:         chunk.Content,
				TokensGenerated: chunk.TokensGenerated,
				TokensEvaluated: chunk.TokensEvaluated,
			})
		}
		return c.write(ChatFrame{Type: FrameToken, Content: chunk.Content})
	})
	if err == nil {
		return true
	}
	if errors.Is(err, errClientGone) {
		return false
	}

	h.logger.Warn("Chat turn failed", zap.String("session_id", sessionID), zap.Error(err))
	code, message := apperrors.Describe(err)
	if werr := c.write(ChatFrame{Type: FrameError, Code: string(code), Message: message}); werr != nil {
		return false
	}
	kind := apperrors.KindOf(err)
	return kind != apperrors.KindConflict && kind != apperrors.KindNotFound
}

var errClientGone = errors.New("chat client gone")

// chatConn serialises writes; gorilla connections allow one writer at a time.
type chatConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *chatConn) write(frame ChatFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(frame); err != nil {
		return errClientGone
	}
	return nil
}

func (c *chatConn) close(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

func (c *chatConn) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
