package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/pkg/errors"
)

// CreateStreamRequest is the session-creation body.
type CreateStreamRequest struct {
	UserID   string `json:"userId"`
	Title    string `json:"title"`
	Platform string `json:"platform"`
}

// StreamSession is a created live stream with its relay parameters.
type StreamSession struct {
	StreamID  string `json:"streamId"`
	StreamURL string `json:"streamUrl"`
	StreamKey string `json:"streamKey"`
}

type endStreamRequest struct {
	StreamID string `json:"streamId"`
}

// StreamAPI talks to the stream session service.
type StreamAPI struct {
	client   *http.Client
	endpoint string
	token    string
}

// NewStreamAPI creates a client for endpoint. token is sent as a bearer token.
func NewStreamAPI(endpoint, token string) (*StreamAPI, error) {
	if endpoint == "" {
		return nil, errors.New("stream service endpoint is not configured")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, errors.Wrapf(err, "invalid stream service endpoint: %s", endpoint)
	}
	return &StreamAPI{
		client:   &http.Client{Timeout: 15 * time.Second},
		endpoint: endpoint,
		token:    token,
	}, nil
}

// CreateStream registers a new live stream and returns where to relay it.
func (s *StreamAPI) CreateStream(ctx context.Context, in CreateStreamRequest) (*StreamSession, error) {
	if in.Platform == "" {
		in.Platform = "custom"
	}
	resp, err := s.post(ctx, "/api/stream/create", in)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, errors.Errorf("create stream api respond %d: %s", resp.StatusCode, string(body))
	}

	session := &StreamSession{}
	if err := json.NewDecoder(resp.Body).Decode(session); err != nil {
		return nil, errors.Wrap(err, "failed to parse response from create stream api")
	}
	if session.StreamURL == "" {
		return nil, errors.New("create stream api returned no stream url")
	}
	return session, nil
}

// EndStream marks a stream as finished.
func (s *StreamAPI) EndStream(ctx context.Context, streamID string) error {
	resp, err := s.post(ctx, "/api/stream/end", endStreamRequest{StreamID: streamID})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return errors.Errorf("end stream api respond %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (s *StreamAPI) post(ctx context.Context, endpoint string, body interface{}) (*http.Response, error) {
	u, err := s.buildUrlFromEndpoint(endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build url")
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "fail to marshal request body to json")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(reqBody))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create request from url: %s", u.String())
	}
	s.setCommonRequestHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to post %s", u.String())
	}
	return resp, nil
}

func (s *StreamAPI) buildUrlFromEndpoint(endpoint string) (*url.URL, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, err
	}
	u.Path = path.Join(u.Path, endpoint)
	return u, nil
}

func (s *StreamAPI) setCommonRequestHeaders(req *http.Request) {
	req.Header.Set("content-type", "application/json")
	if s.token != "" {
		req.Header.Set("authorization", "Bearer "+s.token)
	}
}
