package signalpull

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/deepgram/sigpull/internal/auth"
	"github.com/deepgram/sigpull/internal/domain/chat/models"
	"github.com/deepgram/sigpull/pkg/httpext"
	"github.com/deepgram/sigpull/pkg/logger"
	"github.com/rs/zerolog"
)

// ErrOutOfOrderChunks is returned when a chunks response violates ordering
var ErrOutOfOrderChunks = errors.New("chunks not strictly ascending after from_sequence")

// MessageQuery selects messages either by id or by page
type MessageQuery struct {
	IDs    []string
	Offset int
	Limit  int
	Branch string
}

func (q MessageQuery) values() url.Values {
	v := url.Values{}
	if len(q.IDs) > 0 {
		v.Set("ids", strings.Join(q.IDs, ","))
		return v
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Branch != "" {
		v.Set("branch", q.Branch)
	}
	return v
}

// Service pulls authoritative state from a Signal-Pull server. Every call is
// read-only and safe to repeat; failures are returned without retrying.
type Service struct {
	client  *http.Client
	baseURL string
	issuer  *auth.Issuer
	headers map[string]string
	log     zerolog.Logger
}

// NewService creates a pull client. issuer may be nil for unauthenticated servers.
func NewService(baseURL string, timeout time.Duration, issuer *auth.Issuer) *Service {
	return &Service{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		issuer:  issuer,
		headers: map[string]string{
			"Accept":     "application/json",
			"User-Agent": "sigpull",
		},
		log: logger.With(logger.PULL),
	}
}

// GetMetadata fetches the context summary
func (s *Service) GetMetadata(ctx context.Context, contextID string) (*models.ContextMetadata, error) {
	var meta models.ContextMetadata
	if err := s.get(ctx, fmt.Sprintf("/contexts/%s/metadata", url.PathEscape(contextID)), nil, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// GetMessages fetches messages by id or by page. A lookup that finds fewer
// messages than requested is not an error.
func (s *Service) GetMessages(ctx context.Context, contextID string, query MessageQuery) (*models.MessagesResponse, error) {
	var resp models.MessagesResponse
	if err := s.get(ctx, fmt.Sprintf("/contexts/%s/messages", url.PathEscape(contextID)), query.values(), &resp); err != nil {
		return nil, err
	}

	if resp.Partial() {
		s.log.Warn().
			Str("context_id", contextID).
			Int("requested", resp.RequestedCount).
			Int("found", resp.FoundCount).
			Msg("Partial message lookup")
	}

	return &resp, nil
}

// GetChunks fetches streamed chunks with sequence greater than fromSequence
func (s *Service) GetChunks(ctx context.Context, contextID, messageID string, fromSequence uint64) (*models.ChunksResponse, error) {
	path := fmt.Sprintf("/contexts/%s/messages/%s/streaming-chunks", url.PathEscape(contextID), url.PathEscape(messageID))
	query := url.Values{"from_sequence": []string{strconv.FormatUint(fromSequence, 10)}}

	var resp models.ChunksResponse
	if err := s.get(ctx, path, query, &resp); err != nil {
		return nil, err
	}

	last := fromSequence
	for _, chunk := range resp.Chunks {
		if chunk.Sequence <= last {
			return nil, fmt.Errorf("failed to decode chunks for %s: %w (sequence %d after %d)", messageID, ErrOutOfOrderChunks, chunk.Sequence, last)
		}
		last = chunk.Sequence
	}

	return &resp, nil
}

// GetSystemPrompt fetches a system prompt preset by id
func (s *Service) GetSystemPrompt(ctx context.Context, promptID string) (*models.SystemPromptPreset, error) {
	var preset models.SystemPromptPreset
	if err := s.get(ctx, fmt.Sprintf("/system-prompts/%s", url.PathEscape(promptID)), nil, &preset); err != nil {
		return nil, err
	}
	return &preset, nil
}

func (s *Service) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	endpoint := s.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	if err := s.issuer.Authorize(req); err != nil {
		return fmt.Errorf("failed to authorize request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := httpext.ReadError(resp)
		s.log.Debug().Err(statusErr).Str("path", path).Msg("Pull request rejected")
		return statusErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
