package randomness

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/escrow_pools/internal/httputil"
	"github.com/R3E-Network/escrow_pools/pkg/logger"
)

// OracleRequest is the body posted to the external oracle. The oracle answers
// by calling CallbackURL with the request id and a uint256 value.
type OracleRequest struct {
	RequestID   string    `json:"request_id"`
	Consumer    string    `json:"consumer"`
	CallbackURL string    `json:"callback_url"`
	RequestedAt time.Time `json:"requested_at"`
}

// OracleSource files requests with an external randomness oracle over HTTP.
// Values arrive later on the daemon's fulfill route.
type OracleSource struct {
	client   *httputil.Client
	path     string
	callback string
	log      *logger.Logger
}

// NewOracleSource creates a source posting to baseURL+path. callbackBase is
// the public URL of the daemon; the request id is appended to build the
// callback.
func NewOracleSource(client *httputil.Client, path, callbackBase string, log *logger.Logger) *OracleSource {
	if log == nil {
		log = logger.NewDefault("randomness")
	}
	if path == "" {
		path = "/requests"
	}
	return &OracleSource{client: client, path: path, callback: callbackBase, log: log}
}

func (s *OracleSource) Request(ctx context.Context, consumer string) (string, error) {
	req := OracleRequest{
		RequestID:   uuid.New().String(),
		Consumer:    consumer,
		RequestedAt: time.Now().UTC(),
	}
	req.CallbackURL = fmt.Sprintf("%s/randomness/%s/fulfill", s.callback, req.RequestID)

	if err := s.client.PostJSON(ctx, s.path, req, nil); err != nil {
		s.log.WithError(err).WithField("consumer", consumer).Warn("oracle request failed")
		return "", fmt.Errorf("oracle request: %w", err)
	}
	s.log.WithField("request_id", req.RequestID).
		WithField("consumer", consumer).
		Info("randomness requested from oracle")
	return req.RequestID, nil
}
