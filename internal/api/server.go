// Package api exposes a quantized model over an OpenAI-compatible chat
// completions endpoint.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/aciddelgado/qllm/internal/logger"
	"github.com/aciddelgado/qllm/internal/modelgraph"
	"github.com/aciddelgado/qllm/internal/tokenizer"
)

const defaultMaxTokens = 64

// Server answers completion requests against one loaded model. The
// model graph carries mutable attention caches, so generation is
// serialized under mu.
type Server struct {
	log     logger.Logger
	model   *modelgraph.CausalLM
	tok     *tokenizer.Tokenizer
	modelID string
	clock   func() time.Time

	mu sync.Mutex
}

// NewServer wraps a model for serving under the given public model id.
func NewServer(log logger.Logger, m *modelgraph.CausalLM, tok *tokenizer.Tokenizer, modelID string) *Server {
	if modelID == "" {
		modelID = "qllm"
	}
	return &Server{
		log:     log,
		model:   m,
		tok:     tok,
		modelID: modelID,
		clock:   time.Now,
	}
}

// Register installs the routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/chat/completions", s.handleChatCompletions)
	e.GET("/v1/models", s.handleListModels)
}

// Start serves s on addr until ctx is cancelled.
func Start(ctx context.Context, s *Server, addr string) error {
	e := echo.New()
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	s.Register(e)
	s.log.Info("starting server", "address", addr, "model", s.modelID)
	sc := echo.StartConfig{
		Address: addr,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = 30 * time.Second
			return nil
		},
	}
	return sc.Start(ctx, e)
}

// generate runs the prompt through the model and returns the completion
// token ids.
func (s *Server) generate(prompt []int, maxNew int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := modelgraph.GreedyGenerate(s.model, prompt, maxNew)
	if err != nil {
		return nil, err
	}
	return seq[len(prompt):], nil
}
