package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	nodeerrors "github.com/ailightning/ailightning/node/internal/errors"
	"github.com/ailightning/ailightning/pkg/nodeapi"
	"go.uber.org/zap"
)

// llamaRequest is the body of the inference server's /completion endpoint.
type llamaRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream"`
}

type llamaResponse struct {
	Content         string `json:"content"`
	Stop            bool   `json:"stop"`
	TokensPredicted int    `json:"tokens_predicted"`
	TokensEvaluated int    `json:"tokens_evaluated"`
	StoppedEOS      bool   `json:"stopped_eos"`
	StoppedWord     bool   `json:"stopped_word"`
}

func toLlama(req *nodeapi.CompletionRequest, stream bool) llamaRequest {
	n := req.MaxTokens
	if n == 0 {
		n = -1
	}
	return llamaRequest{
		Prompt:      req.Prompt,
		NPredict:    n,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		Stream:      stream,
	}
}

// Completion forwards one generation request to the session's process.
func (s *Supervisor) Completion(ctx context.Context, sessionID string, req *nodeapi.CompletionRequest) (*nodeapi.CompletionResponse, error) {
	p, err := s.readyProcess(sessionID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	ctx, cancel := s.bindToProcess(ctx, p)
	defer cancel()

	resp, err := s.postCompletion(ctx, p, toLlama(req, false))
	if err != nil {
		return nil, s.completionError(ctx, p, err)
	}
	defer resp.Body.Close()

	var out llamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, s.completionError(ctx, p, err)
	}
	s.metrics.RecordCompletion("unary", time.Since(start).Seconds())
	return &nodeapi.CompletionResponse{
		Content:         out.Content,
		TokensGenerated: out.TokensPredicted,
		TokensEvaluated: out.TokensEvaluated,
		Stopped:         out.StoppedEOS || out.StoppedWord,
	}, nil
}

// CompletionStream forwards a streaming generation, calling emit for every
// token chunk and once more with Done set. When it returns an error the
// chunks already emitted are partial and must not be treated as a result.
func (s *Supervisor) CompletionStream(ctx context.Context, sessionID string, req *nodeapi.CompletionRequest, emit func(nodeapi.StreamChunk) error) error {
	p, err := s.readyProcess(sessionID)
	if err != nil {
		return err
	}
	start := time.Now()
	ctx, cancel := s.bindToProcess(ctx, p)
	defer cancel()

	resp, err := s.postCompletion(ctx, p, toLlama(req, true))
	if err != nil {
		return s.completionError(ctx, p, err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		var chunk llamaResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return s.completionError(ctx, p, fmt.Errorf("bad stream chunk: %w", err))
		}
		if chunk.Stop {
			s.metrics.RecordCompletion("stream", time.Since(start).Seconds())
			return emit(nodeapi.StreamChunk{
				Content:         chunk.Content,
				Done:            true,
				TokensGenerated: chunk.TokensPredicted,
				TokensEvaluated: chunk.TokensEvaluated,
			})
		}
		if chunk.Content == "" {
			continue
		}
		if err := emit(nodeapi.StreamChunk{Content: chunk.Content}); err != nil {
			return err
		}
	}
	cause := scanner.Err()
	if cause == nil {
		cause = io.ErrUnexpectedEOF
	}
	return s.completionError(ctx, p, fmt.Errorf("stream ended before completion: %w", cause))
}

func (s *Supervisor) readyProcess(sessionID string) (*Process, error) {
	s.mu.Lock()
	p, ok := s.procs[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, nodeerrors.SessionNotFound(sessionID)
	}
	switch p.State() {
	case nodeapi.ProcessReady:
		return p, nil
	case nodeapi.ProcessStarting:
		return nil, nodeerrors.InvalidArgument(fmt.Sprintf("session %s is still starting", sessionID), nil)
	default:
		return nil, nodeerrors.ProcessTerminated(sessionID, p.exitError())
	}
}

// bindToProcess bounds ctx by the completion timeout and cancels it as soon
// as the process exits, so Stop interrupts in-flight generations.
func (s *Supervisor) bindToProcess(ctx context.Context, p *Process) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CompletionTimeout)
	go func() {
		select {
		case <-p.exited:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (s *Supervisor) postCompletion(ctx context.Context, p *Process, body llamaRequest) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := "http://" + net.JoinHostPort(s.cfg.Host, strconv.Itoa(p.Port)) + "/completion"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, fmt.Errorf("inference server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// completionError tells a dead process apart from a slow or failed
// generation.
func (s *Supervisor) completionError(ctx context.Context, p *Process, err error) error {
	var nerr *nodeerrors.NodeError
	select {
	case <-p.exited:
		nerr = nodeerrors.ProcessTerminated(p.SessionID, err)
	case <-time.After(exitSettle):
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			nerr = nodeerrors.Timeout("completion timed out", err)
		case ctx.Err() != nil:
			nerr = nodeerrors.InternalError("completion cancelled", err)
		default:
			nerr = nodeerrors.InternalError("completion failed", err)
		}
	}
	s.metrics.RecordCompletionError(string(nerr.Code))
	s.logger.Warn("Completion failed",
		zap.String("session_id", p.SessionID),
		zap.String("code", string(nerr.Code)),
		zap.Error(err))
	return nerr
}
